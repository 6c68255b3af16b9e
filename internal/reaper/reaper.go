// Package reaper periodically evicts idle sessions.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper evicts sessions idle for longer than threshold.
type Sweeper interface {
	SweepIdle(ctx context.Context, threshold time.Duration) (int, error)
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the logger used for sweep results.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}

// Reaper runs Sweeper.SweepIdle on a fixed interval. A sweep that is still
// running when the next one is due causes that tick to be skipped.
type Reaper struct {
	sweeper   Sweeper
	threshold time.Duration
	interval  time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New validates the schedule. Start must be called to begin sweeping.
func New(sweeper Sweeper, threshold, interval time.Duration, opts ...Option) (*Reaper, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("reaper: sweeper is required")
	}
	if threshold <= 0 || interval <= 0 {
		return nil, fmt.Errorf("reaper: threshold and interval must be positive")
	}
	r := &Reaper{
		sweeper:   sweeper,
		threshold: threshold,
		interval:  interval,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	cl := cronLogger{log: r.log}
	r.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := r.cron.AddFunc("@every "+interval.String(), func() { _, _ = r.RunOnce(r.ctx) }); err != nil {
		return nil, fmt.Errorf("reaper: schedule: %w", err)
	}
	return r, nil
}

// Start begins the schedule. It is a no-op if already started.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	r.log.Info("reaper.start", slog.Duration("interval", r.interval), slog.Duration("threshold", r.threshold))
}

// Stop halts the schedule and waits for a running sweep to finish or for
// ctx to be done, whichever comes first. A sweep still running when ctx
// ends is cancelled.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return nil
	}

	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.log.Info("reaper.stop")
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := r.sweeper.SweepIdle(ctx, r.threshold)
	if err != nil {
		r.log.WarnContext(ctx, "reaper.sweep.fail", slog.Int("evicted", n), slog.String("err", err.Error()))
		return n, err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "reaper.sweep.ok", slog.Int("evicted", n), slog.Duration("dur", time.Since(start)))
	} else {
		r.log.DebugContext(ctx, "reaper.sweep.ok", slog.Int("evicted", 0))
	}
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("reaper.cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("reaper.cron."+msg, append(keysAndValues, slog.String("err", err.Error()))...)
}
