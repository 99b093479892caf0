package reporter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/klt/dashboard/internal/app"
	"github.com/pkg/errors"
)

// Response is a scripted FetchReports result.
type Response struct {
	Batch Batch
	Err   error
}

type mockTarget struct {
	tick       int64
	down       bool
	pingStatus int
	script     []Response
	fetches    int
	pings      int
}

// MockClient simulates reporter endpoints. Unless scripted or marked down,
// every URL behaves like a running test whose VUs make progress on each fetch.
type MockClient struct {
	mu      sync.Mutex
	vus     int
	targets map[string]*mockTarget
}

var mockSteps = []string{"login", "browse", "checkout"}

func NewMockClient(vus int) *MockClient {
	if vus <= 0 {
		vus = 1
	}
	return &MockClient{vus: vus, targets: map[string]*mockTarget{}}
}

func (c *MockClient) target(url string) *mockTarget {
	t, ok := c.targets[url]
	if !ok {
		t = &mockTarget{}
		c.targets[url] = t
	}
	return t
}

// SetDown makes url refuse fetches and liveness checks, like a stopped test.
func (c *MockClient) SetDown(url string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target(url).down = down
}

// SetPingStatus forces the status code Ping returns for url. Zero clears it.
func (c *MockClient) SetPingStatus(url string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target(url).pingStatus = status
}

// Enqueue scripts the next FetchReports results for url.
func (c *MockClient) Enqueue(url string, responses ...Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.target(url)
	t.script = append(t.script, responses...)
}

func (c *MockClient) Fetches(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target(url).fetches
}

func (c *MockClient) Pings(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target(url).pings
}

func (c *MockClient) FetchReports(ctx context.Context, url string, timeout time.Duration) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.target(url)
	t.fetches++
	if len(t.script) > 0 {
		r := t.script[0]
		t.script = t.script[1:]
		return r.Batch, r.Err
	}
	if t.down {
		return Batch{}, errors.Errorf("reporter returned %d", http.StatusInternalServerError)
	}
	t.tick++
	return Batch{Reports: c.generate(t.tick)}, nil
}

func (c *MockClient) Ping(ctx context.Context, url string, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.target(url)
	t.pings++
	if t.pingStatus != 0 {
		return t.pingStatus, nil
	}
	if t.down {
		return 0, errors.Errorf("dial %s: connection refused", url)
	}
	return http.StatusOK, nil
}

func (c *MockClient) generate(tick int64) []app.VUReport {
	reports := make([]app.VUReport, 0, c.vus)
	for id := 0; id < c.vus; id++ {
		vu := app.VUReport{
			VUID:      int64(id),
			ExecCount: tick,
		}
		for i, name := range mockSteps {
			latency := float64((i+1)*10_000_000 + (id*7+int(tick)*13)%5_000_000)
			vu.Steps = append(vu.Steps, app.StepReport{
				Name:          name,
				Count:         tick,
				ResponseTimes: []float64{latency, latency * 1.5},
				BytesIn:       tick * 2048,
				BytesOut:      tick * 512,
			})
			vu.ExecTimes = append(vu.ExecTimes, latency*2.5)
		}
		reports = append(reports, vu)
	}
	return reports
}
