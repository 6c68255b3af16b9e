package sessions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/ggoodman/mcp-exchange-server/sessions/memory"
	"github.com/ggoodman/mcp-exchange-server/sessions/sessionstest"
	"github.com/jonboulle/clockwork"
)

type harness struct {
	reg        *sessions.Registry
	transports *memory.TransportStore
	metadata   sessions.MetadataStore
	clock      clockwork.FakeClock

	mu      sync.Mutex
	created map[string]*sessionstest.FakeTransport
	params  map[string]sessions.TransportParams
}

func newHarness(t *testing.T, md sessions.MetadataStore) *harness {
	t.Helper()
	h := &harness{
		transports: memory.NewTransportStore(),
		metadata:   md,
		clock:      clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		created:    map[string]*sessionstest.FakeTransport{},
		params:     map[string]sessions.TransportParams{},
	}
	if h.metadata == nil {
		h.metadata = memory.NewMetadataStore()
	}
	reg, err := sessions.NewRegistry(h.transports, h.metadata, func(p sessions.TransportParams) sessions.Transport {
		ft := &sessionstest.FakeTransport{}
		h.mu.Lock()
		h.created[p.ID] = ft
		h.params[p.ID] = p
		h.mu.Unlock()
		return ft
	}, sessions.WithClock(h.clock))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.reg = reg
	return h
}

func (h *harness) transport(id string) *sessionstest.FakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created[id]
}

func mustCreate(t *testing.T, h *harness, opts sessions.CreateOptions) *sessions.Session {
	t.Helper()
	sess, err := h.reg.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func TestRegistryCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("generated id is registered in both stores", func(t *testing.T) {
		h := newHarness(t, nil)
		sess := mustCreate(t, h, sessions.CreateOptions{})
		if sess.ID == "" {
			t.Fatalf("expected generated id")
		}
		got, ok := h.reg.Get(sess.ID)
		if !ok || got.Transport != sess.Transport {
			t.Fatalf("Get did not return created session")
		}
		md, err := h.metadata.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("metadata missing: %v", err)
		}
		if !md.CreatedAt.Equal(h.clock.Now()) || !md.LastActivityAt.Equal(h.clock.Now()) {
			t.Fatalf("unexpected timestamps: %+v", md)
		}
		if md.AutoRecreated {
			t.Fatalf("standard session must not be flagged auto-recreated")
		}
	})

	t.Run("explicit id is honored and flagged", func(t *testing.T) {
		h := newHarness(t, nil)
		sess := mustCreate(t, h, sessions.CreateOptions{ID: "ghost-123", AutoRecreated: true})
		if want, got := "ghost-123", sess.ID; want != got {
			t.Fatalf("id: want %q, got %q", want, got)
		}
		md, err := h.reg.Metadata(ctx, "ghost-123")
		if err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if !md.AutoRecreated {
			t.Fatalf("expected autoRecreated flag")
		}
		if !h.params["ghost-123"].AutoRecreated {
			t.Fatalf("factory should see AutoRecreated")
		}
		if want, got := int64(1), h.reg.Stats().AutoRecreated; want != got {
			t.Fatalf("auto recreated stat: want %d, got %d", want, got)
		}
	})

	t.Run("duplicate live id is rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		mustCreate(t, h, sessions.CreateOptions{ID: "dup"})
		if _, err := h.reg.Create(ctx, sessions.CreateOptions{ID: "dup"}); !errors.Is(err, sessions.ErrSessionExists) {
			t.Fatalf("want ErrSessionExists, got %v", err)
		}
		if want, got := 1, h.reg.Len(); want != got {
			t.Fatalf("len: want %d, got %d", want, got)
		}
	})

	t.Run("metadata failure leaves neither store populated", func(t *testing.T) {
		h := newHarness(t, &failingMetadata{MetadataStore: memory.NewMetadataStore(), failInsert: true})
		_, err := h.reg.Create(ctx, sessions.CreateOptions{ID: "half"})
		if err == nil {
			t.Fatalf("expected error")
		}
		if _, ok := h.reg.Get("half"); ok {
			t.Fatalf("transport must be rolled back")
		}
		if _, ok := h.transports.Get("half"); ok {
			t.Fatalf("transport store still holds rolled back session")
		}
		if _, err := h.metadata.Get(ctx, "half"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("metadata must be absent, got %v", err)
		}
		if want, got := 1, h.transport("half").Closes(); want != got {
			t.Fatalf("rolled back transport closes: want %d, got %d", want, got)
		}
	})

	t.Run("closed registry rejects create", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.reg.CloseAll(ctx); err != nil {
			t.Fatalf("CloseAll: %v", err)
		}
		if _, err := h.reg.Create(ctx, sessions.CreateOptions{}); !errors.Is(err, sessions.ErrRegistryClosed) {
			t.Fatalf("want ErrRegistryClosed, got %v", err)
		}
	})
}

func TestRegistryTouchIsMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := mustCreate(t, h, sessions.CreateOptions{})

	prev := h.clock.Now()
	for i := 0; i < 5; i++ {
		h.clock.Advance(7 * time.Second)
		if err := h.reg.Touch(ctx, sess.ID); err != nil {
			t.Fatalf("touch: %v", err)
		}
		md, err := h.reg.Metadata(ctx, sess.ID)
		if err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if md.LastActivityAt.Before(prev) {
			t.Fatalf("lastActivityAt moved backwards: %v < %v", md.LastActivityAt, prev)
		}
		prev = md.LastActivityAt
	}

	// A stale write from a slower request must not rewind the clock.
	if err := h.metadata.Touch(ctx, sess.ID, prev.Add(-time.Minute)); err != nil {
		t.Fatalf("stale touch: %v", err)
	}
	md, _ := h.reg.Metadata(ctx, sess.ID)
	if !md.LastActivityAt.Equal(prev) {
		t.Fatalf("stale touch rewound lastActivityAt to %v", md.LastActivityAt)
	}

	if err := h.reg.Touch(ctx, "absent"); err != nil {
		t.Fatalf("touch absent should be a no-op, got %v", err)
	}
}

func TestRegistryCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := mustCreate(t, h, sessions.CreateOptions{})

	for i := 0; i < 3; i++ {
		if err := h.reg.RecordRequest(ctx, sess.ID); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}
	n, err := h.reg.RecordError(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if want, got := int64(1), n; want != got {
		t.Fatalf("errors: want %d, got %d", want, got)
	}
	md, _ := h.reg.Metadata(ctx, sess.ID)
	if md.RequestCount != 3 || md.ErrorCount != 1 {
		t.Fatalf("unexpected counters: %+v", md)
	}
	if _, err := h.reg.RecordError(ctx, "absent"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := mustCreate(t, h, sessions.CreateOptions{})

	for i := 0; i < 2; i++ {
		if err := h.reg.Remove(ctx, sess.ID, sessions.ReasonClosed); err != nil {
			t.Fatalf("Remove #%d: %v", i+1, err)
		}
	}
	if _, ok := h.reg.Get(sess.ID); ok {
		t.Fatalf("session still registered")
	}
	if _, err := h.metadata.Get(ctx, sess.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("metadata still present: %v", err)
	}
	if want, got := 1, h.transport(sess.ID).Closes(); want != got {
		t.Fatalf("closes: want %d, got %d", want, got)
	}
	if want, got := int64(1), h.reg.Stats().Evicted[sessions.ReasonClosed]; want != got {
		t.Fatalf("evicted[closed]: want %d, got %d", want, got)
	}
}

func TestRegistryRemoveRestoresPairOnMetadataFailure(t *testing.T) {
	ctx := context.Background()
	fm := &failingMetadata{MetadataStore: memory.NewMetadataStore()}
	h := newHarness(t, fm)
	sess := mustCreate(t, h, sessions.CreateOptions{})

	fm.failDelete = true
	if err := h.reg.Remove(ctx, sess.ID, sessions.ReasonClosed); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := h.reg.Get(sess.ID); !ok {
		t.Fatalf("transport must be restored when metadata delete fails")
	}
	if want, got := 0, h.transport(sess.ID).Closes(); want != got {
		t.Fatalf("closes: want %d, got %d", want, got)
	}
}

func TestTransportSelfClose(t *testing.T) {
	h := newHarness(t, nil)
	sess := mustCreate(t, h, sessions.CreateOptions{})

	h.params[sess.ID].OnClose()
	if _, ok := h.reg.Get(sess.ID); ok {
		t.Fatalf("OnClose should remove the session")
	}
	// The registry closes the transport it removed; a second signal is harmless.
	h.params[sess.ID].OnClose()
	if want, got := int64(1), h.reg.Stats().Evicted[sessions.ReasonClosed]; want != got {
		t.Fatalf("evicted[closed]: want %d, got %d", want, got)
	}
}

func TestSweepIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	stale := mustCreate(t, h, sessions.CreateOptions{ID: "stale"})
	h.clock.Advance(300 * time.Second)
	fresh := mustCreate(t, h, sessions.CreateOptions{ID: "fresh"})
	h.clock.Advance(100 * time.Second)

	// stale: last active 400s ago; fresh: 100s ago.
	n, err := h.reg.SweepIdle(ctx, 300*time.Second)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if want, got := 1, n; want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}
	if _, ok := h.reg.Get(stale.ID); ok {
		t.Fatalf("stale session survived the sweep")
	}
	if _, ok := h.reg.Get(fresh.ID); !ok {
		t.Fatalf("fresh session was evicted")
	}
	if want, got := 1, h.transport(stale.ID).Closes(); want != got {
		t.Fatalf("stale closes: want %d, got %d", want, got)
	}
	if want, got := int64(1), h.reg.Stats().Evicted[sessions.ReasonIdle]; want != got {
		t.Fatalf("evicted[idle]: want %d, got %d", want, got)
	}
}

func TestSweepIdleContinuesPastCloseFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, h, sessions.CreateOptions{ID: id})
	}
	h.transport("a").CloseErr = errors.New("boom")
	h.clock.Advance(time.Hour)

	n, err := h.reg.SweepIdle(ctx, time.Minute)
	if err == nil {
		t.Fatalf("expected aggregated close error")
	}
	if want, got := 3, n; want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}
	if want, got := 0, h.reg.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b"} {
		mustCreate(t, h, sessions.CreateOptions{ID: id})
	}
	if err := h.reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if want, got := 0, h.reg.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if want, got := int64(2), h.reg.Stats().Evicted[sessions.ReasonShutdown]; want != got {
		t.Fatalf("evicted[shutdown]: want %d, got %d", want, got)
	}
}

func TestConcurrentCreateRemove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := h.reg.Create(ctx, sessions.CreateOptions{})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			_ = h.reg.RecordRequest(ctx, sess.ID)
			if err := h.reg.Remove(ctx, sess.ID, sessions.ReasonClosed); err != nil {
				t.Errorf("remove: %v", err)
			}
		}()
	}
	wg.Wait()

	if want, got := 0, h.reg.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	all, err := h.metadata.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 0, len(all); want != got {
		t.Fatalf("metadata entries: want %d, got %d", want, got)
	}
	if want, got := int64(32), h.reg.Stats().TotalCreated; want != got {
		t.Fatalf("total created: want %d, got %d", want, got)
	}
}

type failingMetadata struct {
	sessions.MetadataStore
	failInsert bool
	failDelete bool
}

func (f *failingMetadata) Insert(ctx context.Context, md sessions.Metadata) error {
	if f.failInsert {
		return errors.New("insert failed")
	}
	return f.MetadataStore.Insert(ctx, md)
}

func (f *failingMetadata) Delete(ctx context.Context, id string) error {
	if f.failDelete {
		return errors.New("delete failed")
	}
	return f.MetadataStore.Delete(ctx, id)
}
