package reporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClient_FetchReports(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/reports":
			w.Write([]byte(`[
				{"vu_id":0,"ts_exec_count":2,"ts_exec_failure":0,"ts_exec_time":[1],"steps":[]},
				{"vu_id":"bad"}
			]`))
		case "/object":
			w.Write([]byte(`{"vu_id":0}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer ts.Close()

	client := NewRealClient("secret")
	ctx := context.Background()

	batch, err := client.FetchReports(ctx, ts.URL+"/reports", time.Second)
	require.NoError(t, err)
	require.Len(t, batch.Reports, 1)
	assert.Equal(t, int64(2), batch.Reports[0].ExecCount)
	assert.Equal(t, 1, batch.Invalid)

	_, err = client.FetchReports(ctx, ts.URL+"/object", time.Second)
	assert.Error(t, err)

	_, err = client.FetchReports(ctx, ts.URL+"/broken", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRealClient_FetchReportsTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	start := time.Now()
	_, err := NewRealClient("").FetchReports(context.Background(), ts.URL, 50*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, int64(time.Since(start)), int64(5*time.Second))
}

func TestRealClient_Ping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	client := NewRealClient("")
	ctx := context.Background()

	status, err := client.Ping(ctx, ts.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	status, err = client.Ping(ctx, ts.URL+"/moved", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, status)

	status, err = client.Ping(ctx, ts.URL+"/gone", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	url := ts.URL
	ts.Close()
	_, err = client.Ping(ctx, url, time.Second)
	assert.Error(t, err)
}

func TestMockClient(t *testing.T) {
	c := NewMockClient(2)
	ctx := context.Background()
	url := "http://mock/reports"

	first, err := c.FetchReports(ctx, url, time.Second)
	require.NoError(t, err)
	require.Len(t, first.Reports, 2)
	second, err := c.FetchReports(ctx, url, time.Second)
	require.NoError(t, err)
	assert.Greater(t, second.Reports[0].StepCount(), first.Reports[0].StepCount())

	c.Enqueue(url, Response{Err: assert.AnError})
	_, err = c.FetchReports(ctx, url, time.Second)
	assert.Equal(t, assert.AnError, err)

	status, err := c.Ping(ctx, url, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	c.SetDown(url, true)
	_, err = c.FetchReports(ctx, url, time.Second)
	assert.Error(t, err)
	_, err = c.Ping(ctx, url, time.Second)
	assert.Error(t, err)

	c.SetPingStatus(url, http.StatusGone)
	status, err = c.Ping(ctx, url, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, status)

	assert.Equal(t, 4, c.Fetches(url))
	assert.Equal(t, 3, c.Pings(url))
}
