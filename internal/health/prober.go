// Package health decides whether the process behind a reporter URL is still
// alive.
package health

import (
	"context"
	"net/http"

	"fortio.org/log"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/retry"
)

type Verdict int

const (
	Dead Verdict = iota
	Alive
)

func (v Verdict) String() string {
	if v == Alive {
		return "alive"
	}
	return "dead"
}

// Checker is what the lifecycle engine needs from a prober.
type Checker interface {
	Probe(ctx context.Context, url string) Verdict
}

type Prober struct {
	client reporter.Client
	policy retry.Policy
}

func NewProber(client reporter.Client, policy retry.Policy) *Prober {
	return &Prober{client: client, policy: policy}
}

// Probe checks url at most policy.Attempts() times. A 2xx or 3xx answer is
// Alive and a 4xx answer is Dead, both without retrying. Transport errors and
// other statuses are retried; exhausting the attempts, or ctx ending, is Dead.
func (p *Prober) Probe(ctx context.Context, url string) Verdict {
	attempts := p.policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		status, err := p.client.Ping(ctx, url, p.policy.Timeout(attempt))
		switch {
		case err != nil:
			log.Debugf("Health check %s attempt %d/%d failed: %v", url, attempt+1, attempts, err)
		case status >= http.StatusOK && status < http.StatusBadRequest:
			return Alive
		case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
			log.Debugf("Health check %s rejected with %d", url, status)
			return Dead
		default:
			log.Debugf("Health check %s attempt %d/%d returned %d", url, attempt+1, attempts, status)
		}

		if attempt+1 < attempts && !p.policy.Wait(ctx, attempt) {
			break
		}
	}
	return Dead
}
