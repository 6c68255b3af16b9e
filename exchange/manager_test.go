package exchange_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/exchange"
	"golang.org/x/time/rate"
)

type fakeHandle struct {
	id     string
	creds  *exchange.Credentials
	closed atomic.Bool
	calls  atomic.Int32
}

func (h *fakeHandle) ExchangeID() string  { return h.id }
func (h *fakeHandle) Authenticated() bool { return h.creds != nil }
func (h *fakeHandle) Close() error        { h.closed.Store(true); return nil }
func (h *fakeHandle) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	h.calls.Add(1)
	return json.RawMessage(`{"ok":true}`), nil
}

type fakeConnector struct {
	mu       sync.Mutex
	connects int
	delay    time.Duration
	handles  []*fakeHandle
}

func (c *fakeConnector) Connect(ctx context.Context, id string, creds *exchange.Credentials) (exchange.Handle, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	h := &fakeHandle{id: id, creds: creds}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func newManager(t *testing.T, conn *fakeConnector, opts ...exchange.ManagerOption) *exchange.Manager {
	t.Helper()
	m, err := exchange.NewManager(conn, []string{"binance", "Kraken", "coinbase"}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireUnsupported(t *testing.T) {
	conn := &fakeConnector{}
	m := newManager(t, conn)
	_, err := m.Acquire(context.Background(), "mtgox", nil)
	if !errors.Is(err, exchange.ErrUnsupportedExchange) {
		t.Fatalf("want ErrUnsupportedExchange, got %v", err)
	}
	if want, got := 0, conn.count(); want != got {
		t.Fatalf("connects: want %d, got %d", want, got)
	}
}

func TestAcquireCachesUnauthenticated(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	m := newManager(t, conn)

	h1, err := m.Acquire(ctx, "binance", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := m.Acquire(ctx, " BINANCE ", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same shared handle")
	}
	if want, got := 1, conn.count(); want != got {
		t.Fatalf("connects: want %d, got %d", want, got)
	}
	if err := h1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if conn.handles[0].closed.Load() {
		t.Fatalf("borrower Close must not close the shared handle")
	}
	if want, got := 1, m.CachedCount(); want != got {
		t.Fatalf("cached: want %d, got %d", want, got)
	}
}

func TestAcquireConcurrentMissConnectsOnce(t *testing.T) {
	conn := &fakeConnector{delay: 20 * time.Millisecond}
	m := newManager(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "kraken", nil); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	if want, got := 1, conn.count(); want != got {
		t.Fatalf("connects: want %d, got %d", want, got)
	}
}

func TestAcquireWithCredentialsNeverCaches(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	m := newManager(t, conn)
	creds := &exchange.Credentials{APIKey: "k", Secret: "s"}

	h1, err := m.Acquire(ctx, "binance", creds)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := m.Acquire(ctx, "binance", creds)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("authenticated handles must be distinct")
	}
	if !h1.Authenticated() {
		t.Fatalf("expected authenticated handle")
	}
	if want, got := 0, m.CachedCount(); want != got {
		t.Fatalf("cached: want %d, got %d", want, got)
	}

	shared, err := m.Acquire(ctx, "binance", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if shared.Authenticated() {
		t.Fatalf("shared handle must not carry credentials")
	}
}

func TestAcquireAuthenticated(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	m := newManager(t, conn, exchange.WithCredentialSource(exchange.StaticCredentials{
		"binance":  {APIKey: "k", Secret: "s"},
		"coinbase": {APIKey: "k"},
	}))

	h, err := m.AcquireAuthenticated(ctx, "binance")
	if err != nil {
		t.Fatalf("AcquireAuthenticated: %v", err)
	}
	if !h.Authenticated() {
		t.Fatalf("expected authenticated handle")
	}

	for _, id := range []string{"kraken", "coinbase"} {
		_, err := m.AcquireAuthenticated(ctx, id)
		if !errors.Is(err, exchange.ErrMissingCredentials) {
			t.Fatalf("%s: want ErrMissingCredentials, got %v", id, err)
		}
		up := strings.ToUpper(id)
		if want := up + "_API_KEY and " + up + "_SECRET"; !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: message %q does not name %q", id, err.Error(), want)
		}
	}
	if m.HasCredentials("coinbase") {
		t.Fatalf("incomplete credentials must count as absent")
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	m := newManager(t, conn)

	if _, err := m.Acquire(ctx, "binance", nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "kraken", nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if want, got := 2, m.ClearCache(); want != got {
		t.Fatalf("evicted: want %d, got %d", want, got)
	}
	for _, h := range conn.handles {
		if !h.closed.Load() {
			t.Fatalf("evicted handle %s was not closed", h.id)
		}
	}
	if _, err := m.Acquire(ctx, "binance", nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if want, got := 3, conn.count(); want != got {
		t.Fatalf("connects: want %d, got %d", want, got)
	}
}

func TestRateLimitAppliesToCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn := &fakeConnector{}
	m := newManager(t, conn, exchange.WithRateLimit(rate.Every(time.Hour), 1))

	h, err := m.Acquire(ctx, "binance", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := h.Call(ctx, "fetchTicker", "BTC/USDT"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := h.Call(ctx, "fetchTicker", "BTC/USDT"); err == nil {
		t.Fatalf("second call should be throttled past the deadline")
	}
	if want, got := int32(1), conn.handles[0].calls.Load(); want != got {
		t.Fatalf("calls: want %d, got %d", want, got)
	}
}

func TestSupportedNormalizesAllowList(t *testing.T) {
	m := newManager(t, &fakeConnector{})
	got := m.Supported()
	want := []string{"binance", "kraken", "coinbase"}
	if len(got) != len(want) {
		t.Fatalf("supported: want %v, got %v", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("supported: want %v, got %v", want, got)
		}
	}
	if !m.IsSupported("KRAKEN") {
		t.Fatalf("IsSupported should be case-insensitive")
	}
}
