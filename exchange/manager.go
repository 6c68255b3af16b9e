package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCredentialSource sets where AcquireAuthenticated looks up credentials.
func WithCredentialSource(src CredentialSource) ManagerOption {
	return func(m *Manager) { m.creds = src }
}

// WithRateLimit throttles every call made through handles for the same
// exchange. A zero limit disables throttling.
func WithRateLimit(limit rate.Limit, burst int) ManagerOption {
	return func(m *Manager) { m.limit, m.burst = limit, burst }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// Manager is the remote call adapter: it validates exchange ids against an
// allow-list and owns the shared cache of unauthenticated handles.
type Manager struct {
	connector Connector
	creds     CredentialSource
	supported []string
	allowed   map[string]struct{}

	mu         sync.Mutex
	cache      map[string]Handle
	generation uint64
	group      singleflight.Group

	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter

	log *slog.Logger
}

// NewManager builds a Manager for the given allow-list.
func NewManager(connector Connector, supported []string, opts ...ManagerOption) (*Manager, error) {
	if connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if len(supported) == 0 {
		return nil, fmt.Errorf("at least one supported exchange is required")
	}
	m := &Manager{
		connector: connector,
		creds:     StaticCredentials{},
		allowed:   make(map[string]struct{}, len(supported)),
		cache:     make(map[string]Handle),
		limiters:  make(map[string]*rate.Limiter),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, id := range supported {
		id = Normalize(id)
		if id == "" {
			continue
		}
		if _, dup := m.allowed[id]; dup {
			continue
		}
		m.allowed[id] = struct{}{}
		m.supported = append(m.supported, id)
		if m.limit > 0 {
			m.limiters[id] = rate.NewLimiter(m.limit, m.burst)
		}
	}
	return m, nil
}

// Supported returns the allow-list in configuration order.
func (m *Manager) Supported() []string {
	out := make([]string, len(m.supported))
	copy(out, m.supported)
	return out
}

// IsSupported reports whether exchangeID is on the allow-list.
func (m *Manager) IsSupported(exchangeID string) bool {
	_, ok := m.allowed[Normalize(exchangeID)]
	return ok
}

// HasCredentials reports whether credentials are configured for exchangeID.
func (m *Manager) HasCredentials(exchangeID string) bool {
	_, ok := m.creds.Credentials(Normalize(exchangeID))
	return ok
}

func (m *Manager) check(exchangeID string) (string, error) {
	id := Normalize(exchangeID)
	if _, ok := m.allowed[id]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedExchange, exchangeID, strings.Join(m.supported, ", "))
	}
	return id, nil
}

// Acquire returns a handle for exchangeID. Without credentials the handle is
// the shared cached instance, created on first use; its Close is a no-op.
// With credentials a fresh handle is built for this caller alone and must be
// closed by it.
func (m *Manager) Acquire(ctx context.Context, exchangeID string, creds *Credentials) (Handle, error) {
	id, err := m.check(exchangeID)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		h, err := m.connector.Connect(ctx, id, creds)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", id, err)
		}
		m.log.DebugContext(ctx, "exchange.acquire.authenticated", slog.String("exchange", id))
		return m.wrap(id, h), nil
	}

	m.mu.Lock()
	if h, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return h, nil
	}
	gen := m.generation
	m.mu.Unlock()

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.Lock()
		if h, ok := m.cache[id]; ok {
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()

		raw, err := m.connector.Connect(context.WithoutCancel(ctx), id, nil)
		if err != nil {
			return nil, err
		}
		h := sharedHandle{m.wrap(id, raw)}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != gen {
			// ClearCache ran while connecting; hand out the handle without
			// memoizing it.
			return h, nil
		}
		m.cache[id] = h
		m.log.InfoContext(ctx, "exchange.cache.fill", slog.String("exchange", id))
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}
	return v.(Handle), nil
}

// AcquireAuthenticated looks up the configured credentials for exchangeID and
// returns a fresh authenticated handle. It fails with a *CredentialsError when
// none are configured.
func (m *Manager) AcquireAuthenticated(ctx context.Context, exchangeID string) (Handle, error) {
	id, err := m.check(exchangeID)
	if err != nil {
		return nil, err
	}
	creds, ok := m.creds.Credentials(id)
	if !ok {
		return nil, &CredentialsError{Exchange: id}
	}
	return m.Acquire(ctx, id, &creds)
}

// ClearCache closes and evicts every shared handle and returns how many were
// evicted.
func (m *Manager) ClearCache() int {
	m.mu.Lock()
	old := m.cache
	m.cache = make(map[string]Handle)
	m.generation++
	m.mu.Unlock()

	for id, h := range old {
		if sh, ok := h.(sharedHandle); ok {
			if err := sh.Handle.Close(); err != nil {
				m.log.Warn("exchange.cache.close.fail", slog.String("exchange", id), slog.String("err", err.Error()))
			}
		}
	}
	m.log.Info("exchange.cache.clear", slog.Int("evicted", len(old)))
	return len(old)
}

// CachedCount returns the number of shared handles currently cached.
func (m *Manager) CachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

func (m *Manager) wrap(id string, h Handle) Handle {
	if lim, ok := m.limiters[id]; ok {
		return &limitedHandle{Handle: h, lim: lim}
	}
	return h
}

// limitedHandle waits on the exchange's limiter before each call.
type limitedHandle struct {
	Handle
	lim *rate.Limiter
}

func (h *limitedHandle) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if err := h.lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", h.ExchangeID(), err)
	}
	return h.Handle.Call(ctx, method, args...)
}

// sharedHandle ignores Close from borrowers; the Manager closes the
// underlying handle on ClearCache.
type sharedHandle struct {
	Handle
}

func (sharedHandle) Close() error { return nil }
