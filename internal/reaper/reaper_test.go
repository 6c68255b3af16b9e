package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/ggoodman/mcp-exchange-server/sessions/memory"
	"github.com/ggoodman/mcp-exchange-server/sessions/sessionstest"
	"github.com/jonboulle/clockwork"
)

type fakeSweeper struct {
	calls     atomic.Int32
	threshold atomic.Int64
	n         int
	err       error
	block     chan struct{}
}

func (f *fakeSweeper) SweepIdle(ctx context.Context, threshold time.Duration) (int, error) {
	f.calls.Add(1)
	f.threshold.Store(int64(threshold))
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.n, f.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, time.Minute, time.Minute); err == nil {
		t.Fatalf("expected error for nil sweeper")
	}
	if _, err := New(&fakeSweeper{}, 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero threshold")
	}
	if _, err := New(&fakeSweeper{}, time.Minute, -time.Second); err == nil {
		t.Fatalf("expected error for negative interval")
	}
}

func TestRunOnce(t *testing.T) {
	sw := &fakeSweeper{n: 3}
	r, err := New(sw, 5*time.Minute, time.Minute, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if want, got := 3, n; want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}
	if want, got := 5*time.Minute, time.Duration(sw.threshold.Load()); want != got {
		t.Fatalf("threshold: want %s, got %s", want, got)
	}

	sw.err = errors.New("store down")
	if _, err := r.RunOnce(context.Background()); !errors.Is(err, sw.err) {
		t.Fatalf("want store error, got %v", err)
	}
}

func TestScheduleRuns(t *testing.T) {
	sw := &fakeSweeper{}
	r, err := New(sw, time.Minute, time.Second, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for sw.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sw.calls.Load() == 0 {
		t.Fatalf("expected at least one scheduled sweep")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopCancelsRunningSweep(t *testing.T) {
	sw := &fakeSweeper{block: make(chan struct{})}
	r, err := New(sw, time.Minute, time.Second, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for sw.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sw.calls.Load() == 0 {
		t.Fatalf("sweep never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestEvictsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	factory := func(sessions.TransportParams) sessions.Transport {
		return &sessionstest.FakeTransport{}
	}
	reg, err := sessions.NewRegistry(memory.NewTransportStore(), memory.NewMetadataStore(), factory,
		sessions.WithClock(clock), sessions.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	stale, err := reg.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock.Advance(4 * time.Minute)
	fresh, err := reg.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock.Advance(2 * time.Minute)

	r, err := New(reg, 5*time.Minute, time.Minute, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if want, got := 1, n; want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Fatalf("stale session should be gone")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Fatalf("fresh session should remain")
	}
	if want, got := int64(1), reg.Stats().Evicted[sessions.ReasonIdle]; want != got {
		t.Fatalf("evicted[idle]: want %d, got %d", want, got)
	}
}
