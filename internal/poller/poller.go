// Package poller runs the fixed-interval fetch loop against a reporter URL.
package poller

import (
	"context"
	"time"

	"fortio.org/log"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/retry"
)

// Handler receives the outcome of the loop. Calls are made from the loop's
// goroutine, one at a time.
type Handler interface {
	// Stopped is checked before every tick; true ends the loop without a request.
	Stopped() bool
	HandleBatch(batch reporter.Batch, at time.Time)
	// HandleExhausted is called once when consecutive failures reach the threshold.
	HandleExhausted(failures int)
}

// Outcome tells why Run returned.
type Outcome int

const (
	Canceled Outcome = iota
	Stopped
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Stopped:
		return "stopped"
	case Exhausted:
		return "exhausted"
	default:
		return "canceled"
	}
}

type Config struct {
	Interval    time.Duration
	MaxFailures int
	// Timeouts stages the fetch timeout by the current consecutive failure count.
	Timeouts retry.Policy
}

type Loop struct {
	client  reporter.Client
	url     string
	cfg     Config
	handler Handler
	now     func() time.Time
}

func New(client reporter.Client, url string, cfg Config, handler Handler) *Loop {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	return &Loop{
		client:  client,
		url:     url,
		cfg:     cfg,
		handler: handler,
		now:     time.Now,
	}
}

// WithClock replaces the clock used to timestamp batches.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Run fetches immediately and then once per interval until ctx is canceled,
// the handler reports the dashboard stopped, or MaxFailures consecutive
// fetches fail.
func (l *Loop) Run(ctx context.Context) Outcome {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		if ctx.Err() != nil {
			return Canceled
		}
		if l.handler.Stopped() {
			return Stopped
		}

		batch, err := l.client.FetchReports(ctx, l.url, l.cfg.Timeouts.Timeout(failures))
		switch {
		case ctx.Err() != nil:
			return Canceled
		case err != nil:
			failures++
			log.Warnf("Poller: fetch %s failed (%d/%d): %v", l.url, failures, l.cfg.MaxFailures, err)
			if failures >= l.cfg.MaxFailures {
				l.handler.HandleExhausted(failures)
				return Exhausted
			}
		default:
			if batch.Invalid > 0 {
				log.Warnf("Poller: dropped %d invalid reports from %s", batch.Invalid, l.url)
			}
			failures = 0
			l.handler.HandleBatch(batch, l.now())
		}

		select {
		case <-ctx.Done():
			return Canceled
		case <-ticker.C:
		}
	}
}
