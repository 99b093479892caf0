package worker

import (
	"context"
	"time"

	"fortio.org/log"
)

// Sweeper finalizes dashboards that were left without being confirmed done.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Worker runs the sweep on a fixed interval until its context is canceled.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
}

func NewWorker(sweeper Sweeper, interval time.Duration) *Worker {
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
	}
}

// Start sweeps once immediately, then on every tick.
func (w *Worker) Start(ctx context.Context) {
	log.Infof("Starting sweep worker (every %v)...", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Infof("Stopping sweep worker...")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if n := w.sweeper.Sweep(ctx); n > 0 {
		log.Infof("Worker: queued health checks for %d dashboards", n)
	}
}
