package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultJanitorInterval = time.Minute

// Sweeper is the part of the cache the janitor drives.
type Sweeper interface {
	CleanupExpiredContext(ctx context.Context) (int, error)
}

type JanitorStats struct {
	SweepsRun         int64         `json:"sweeps_run"`
	TotalRemoved      int64         `json:"total_removed"`
	LastRemoved       int64         `json:"last_removed"`
	LastSweepDuration time.Duration `json:"last_sweep_duration"`
	Interrupted       int64         `json:"interrupted"`
}

// Janitor periodically sweeps expired entries. It is owned by whoever owns
// the cache and must be stopped before the cache is discarded.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(removed int, took time.Duration)

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}

	sweeps      atomic.Int64
	removed     atomic.Int64
	lastRemoved atomic.Int64
	lastTook    atomic.Int64
	interrupted atomic.Int64
}

type JanitorOption func(*Janitor)

func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithSweepHook registers a callback invoked after every completed sweep.
func WithSweepHook(fn func(removed int, took time.Duration)) JanitorOption {
	return func(j *Janitor) { j.onSweep = fn }
}

func NewJanitor(s Sweeper, interval time.Duration, opts ...JanitorOption) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	j := &Janitor{sweeper: s, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the sweep loop. Cancelling ctx interrupts an in-flight
// sweep between shards and ends the loop. Calling Start again is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	go j.run(ctx, j.stop, j.done)
	j.logger.Info("cache janitor started", "interval", j.interval.String())
}

func (j *Janitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cache janitor stopping", "reason", ctx.Err().Error())
			return
		case <-stop:
			j.logger.Info("cache janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// Stop prevents further sweeps and waits for an in-flight sweep to finish,
// giving up when ctx expires. Stop without Start is a no-op.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return nil
	}
	if !j.stopped {
		j.stopped = true
		close(j.stop)
	}
	done := j.done
	j.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepNow runs one sweep synchronously on the caller's goroutine.
func (j *Janitor) SweepNow(ctx context.Context) int {
	return j.sweep(ctx)
}

func (j *Janitor) sweep(ctx context.Context) int {
	start := time.Now()
	removed, err := j.sweeper.CleanupExpiredContext(ctx)
	took := time.Since(start)
	if err != nil {
		j.interrupted.Add(1)
		j.logger.Warn("cache sweep interrupted", "removed", removed, "error", err)
	}
	j.sweeps.Add(1)
	j.removed.Add(int64(removed))
	j.lastRemoved.Store(int64(removed))
	j.lastTook.Store(int64(took))
	if removed > 0 {
		j.logger.Debug("cache sweep", "removed", removed, "took", took.String())
	}
	if j.onSweep != nil {
		j.onSweep(removed, took)
	}
	return removed
}

func (j *Janitor) Stats() JanitorStats {
	return JanitorStats{
		SweepsRun:         j.sweeps.Load(),
		TotalRemoved:      j.removed.Load(),
		LastRemoved:       j.lastRemoved.Load(),
		LastSweepDuration: time.Duration(j.lastTook.Load()),
		Interrupted:       j.interrupted.Load(),
	}
}
