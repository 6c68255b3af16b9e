// Package sessionstest holds a conformance suite for sessions.MetadataStore
// implementations and small fakes shared by session tests.
package sessionstest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/sessions"
)

// StoreFactory creates a fresh, empty MetadataStore.
type StoreFactory func(t *testing.T) sessions.MetadataStore

// RunMetadataStoreTests runs the complete MetadataStore suite against factory.
func RunMetadataStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, factory) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("TouchMonotonic", func(t *testing.T) { testTouchMonotonic(t, factory) })
	t.Run("TouchMissingIsNoop", func(t *testing.T) { testTouchMissing(t, factory) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, factory) })
	t.Run("ConcurrentCounters", func(t *testing.T) { testConcurrentCounters(t, factory) })
	t.Run("List", func(t *testing.T) { testList(t, factory) })
}

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func testInsertGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	md := sessions.Metadata{ID: "s1", CreatedAt: base, LastActivityAt: base, AutoRecreated: true}
	if err := s.Insert(ctx, md); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(base) || !got.LastActivityAt.Equal(base) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
	if !got.AutoRecreated {
		t.Fatalf("autoRecreated flag lost")
	}
	if got.RequestCount != 0 || got.ErrorCount != 0 {
		t.Fatalf("counters should start at zero: %+v", got)
	}
}

func testInsertDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	md := sessions.Metadata{ID: "dup", CreatedAt: base, LastActivityAt: base}
	if err := s.Insert(ctx, md); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, md); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("want ErrSessionExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Insert(ctx, sessions.Metadata{ID: "d", CreatedAt: base, LastActivityAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "d"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, "d"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after delete, got %v", err)
	}
}

func testTouchMonotonic(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Insert(ctx, sessions.Metadata{ID: "m", CreatedAt: base, LastActivityAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	steps := []time.Duration{10 * time.Second, 5 * time.Second, 30 * time.Second, 20 * time.Second}
	latest := base
	for _, d := range steps {
		at := base.Add(d)
		if err := s.Touch(ctx, "m", at); err != nil {
			t.Fatalf("touch: %v", err)
		}
		if at.After(latest) {
			latest = at
		}
		got, err := s.Get(ctx, "m")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.LastActivityAt.Equal(latest) {
			t.Fatalf("lastActivityAt: want %v, got %v", latest, got.LastActivityAt)
		}
	}
}

func testTouchMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Touch(ctx, "ghost", base); err != nil {
		t.Fatalf("touch missing: %v", err)
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("touch must not create records, got %v", err)
	}
}

func testCounters(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Insert(ctx, sessions.Metadata{ID: "c", CreatedAt: base, LastActivityAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrRequests(ctx, "c")
		if err != nil {
			t.Fatalf("incr requests: %v", err)
		}
		if want, got := i, n; want != got {
			t.Fatalf("requests: want %d, got %d", want, got)
		}
	}
	n, err := s.IncrErrors(ctx, "c")
	if err != nil {
		t.Fatalf("incr errors: %v", err)
	}
	if want, got := int64(1), n; want != got {
		t.Fatalf("errors: want %d, got %d", want, got)
	}
	got, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RequestCount != 3 || got.ErrorCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func testConcurrentCounters(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Insert(ctx, sessions.Metadata{ID: "cc", CreatedAt: base, LastActivityAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrRequests(ctx, "cc"); err != nil {
				t.Errorf("incr: %v", err)
			}
		}()
	}
	wg.Wait()
	md, err := s.Get(ctx, "cc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want, got := int64(workers), md.RequestCount; want != got {
		t.Fatalf("requests: want %d, got %d", want, got)
	}
}

func testList(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Insert(ctx, sessions.Metadata{ID: id, CreatedAt: base, LastActivityAt: base}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 2, len(all); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	seen := map[string]bool{}
	for _, md := range all {
		seen[md.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("unexpected list: %+v", all)
	}
}

// FakeTransport is a sessions.Transport that answers every request with an
// empty result and records Close calls.
type FakeTransport struct {
	CloseErr error
	closes   atomic.Int32
}

func (f *FakeTransport) HandleMessage(_ context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.IsNotification() {
		return nil, nil
	}
	return jsonrpc.NewResultResponse(req.ID, struct{}{})
}

func (f *FakeTransport) Close() error {
	f.closes.Add(1)
	return f.CloseErr
}

// Closes returns how many times Close was called.
func (f *FakeTransport) Closes() int { return int(f.closes.Load()) }
