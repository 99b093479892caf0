package reporter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klt/dashboard/internal/app"
	"github.com/pkg/errors"
)

const maxBodySize = 32 << 20

type RealClient struct {
	httpClient *http.Client
	token      string
}

// NewRealClient creates a client for reporter endpoints. A non-empty token is
// sent as a bearer token.
func NewRealClient(token string) *RealClient {
	return &RealClient{
		token: token,
		httpClient: &http.Client{
			// 3xx answers count as alive, so redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *RealClient) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	return req, nil
}

func (c *RealClient) FetchReports(ctx context.Context, url string, timeout time.Duration) (Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, url)
	if err != nil {
		return Batch{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Batch{}, errors.Wrap(err, "reporter request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Batch{}, errors.Errorf("reporter returned %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Batch{}, errors.Wrap(err, "failed to read response")
	}

	reports, invalid, err := app.ParseBatch(data)
	if err != nil {
		return Batch{Invalid: invalid}, err
	}
	return Batch{Reports: reports, Invalid: invalid}, nil
}

func (c *RealClient) Ping(ctx context.Context, url string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, url)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "health request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	return resp.StatusCode, nil
}
