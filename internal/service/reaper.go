package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically terminates expired sandboxes and purges old terminated
// records.
type Reaper struct {
	lifecycle *Lifecycle
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewReaper creates a Reaper. It does nothing until Run is called.
func NewReaper(lifecycle *Lifecycle, interval, retention time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		lifecycle: lifecycle,
		interval:  interval,
		retention: retention,
		logger:    logger.With("component", "reaper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "retention", r.retention)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reap and purge pass. Overlapping calls are skipped.
func (r *Reaper) Sweep(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	reaped, err := r.lifecycle.ReapExpired(ctx)
	if err != nil {
		r.logger.Error("reaping expired sandboxes failed", "error", err)
	}
	purged, err := r.lifecycle.PurgeTerminated(ctx, r.retention)
	if err != nil {
		r.logger.Error("purging terminated sandboxes failed", "error", err)
	}
	if reaped > 0 || purged > 0 {
		r.logger.Info("sweep finished", "reaped", reaped, "purged", purged)
	}
}
