package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper evicts idle sessions on a fixed schedule. It owns a background
// goroutine with an explicit Start/Stop lifecycle; the store itself stays
// passive.
type Reaper struct {
	store    Store
	interval time.Duration
	idle     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// ReaperConfig configures a Reaper. Zero durations fall back to an hourly
// sweep with a 24h idle threshold.
type ReaperConfig struct {
	Interval time.Duration
	Idle     time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewReaper creates a reaper for the given store. Call Start to begin
// sweeping and Stop to shut it down.
func NewReaper(s Store, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{
		store:    s,
		interval: cfg.Interval,
		idle:     cfg.Idle,
		logger:   cfg.Logger,
		now:      cfg.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop terminates the sweep loop and waits for it to exit. Safe to call
// more than once and without a prior Start.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.startOnce.Do(func() { close(r.stopped) })
	<-r.stopped
}

// Sweep runs one eviction pass immediately and returns the count removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	return r.store.Reap(ctx, r.now(), r.idle)
}

func (r *Reaper) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			count, err := r.Sweep(context.Background())
			if err != nil {
				r.logger.Error("session reap failed", "error", err)
				continue
			}
			if count > 0 {
				r.logger.Info("reaped idle sessions", "count", count, "idle_threshold", r.idle)
			}
		}
	}
}
