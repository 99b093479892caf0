// Package reporter talks to the reporter endpoint of a running load test: it
// fetches VU report batches and answers liveness checks against the same URL.
package reporter

import (
	"context"
	"time"

	"github.com/klt/dashboard/internal/app"
)

// Batch is one successfully fetched and validated response.
type Batch struct {
	Reports []app.VUReport
	// Invalid counts items dropped by validation.
	Invalid int
}

// Client is the contract the poll loop and health prober depend on.
type Client interface {
	// FetchReports requests url and validates the payload. Transport
	// failures, non-2xx statuses and batches without a valid item are errors.
	FetchReports(ctx context.Context, url string, timeout time.Duration) (Batch, error)
	// Ping requests url and returns the HTTP status code.
	Ping(ctx context.Context, url string, timeout time.Duration) (int, error)
}
