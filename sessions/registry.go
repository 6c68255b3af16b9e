package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the clock used for activity timestamps.
func WithClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithMetrics installs a lifecycle metrics sink.
func WithMetrics(m MetricsSink) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator overrides server-side session id generation.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// CreateOptions controls Create.
type CreateOptions struct {
	// ID binds the session to a caller-chosen id. Empty means generate one.
	ID string
	// AutoRecreated marks a session fabricated for an unknown client id.
	AutoRecreated bool
}

// Stats is a point-in-time summary of registry activity.
type Stats struct {
	Active        int              `json:"active"`
	TotalCreated  int64            `json:"totalCreated"`
	AutoRecreated int64            `json:"autoRecreated"`
	Evicted       map[Reason]int64 `json:"evicted"`
}

// Registry maps session ids to their transport and metadata, keeping the two
// stores in lockstep.
type Registry struct {
	// mu serializes paired mutations of transports and metadata.
	mu         sync.Mutex
	transports TransportStore
	metadata   MetadataStore
	factory    TransportFactory
	closed     bool

	totalCreated  int64
	autoRecreated int64
	evicted       map[Reason]int64

	clock   clockwork.Clock
	log     *slog.Logger
	metrics MetricsSink
	newID   func() string
}

// NewRegistry constructs a Registry over the given stores.
func NewRegistry(transports TransportStore, metadata MetadataStore, factory TransportFactory, opts ...RegistryOption) (*Registry, error) {
	if transports == nil {
		return nil, fmt.Errorf("transport store is required")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	r := &Registry{
		transports: transports,
		metadata:   metadata,
		factory:    factory,
		evicted:    make(map[Reason]int64),
		clock:      clockwork.NewRealClock(),
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    noopMetrics{},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	t, ok := r.transports.Get(id)
	if !ok {
		return nil, false
	}
	return &Session{ID: id, Transport: t}, true
}

// Metadata returns the stored metadata for a live session.
func (r *Registry) Metadata(ctx context.Context, id string) (Metadata, error) {
	if _, ok := r.transports.Get(id); !ok {
		return Metadata{}, ErrSessionNotFound
	}
	return r.metadata.Get(ctx, id)
}

// Create registers a new session. Both stores receive the entry or neither
// does.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = r.newID()
	}
	now := r.clock.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.transports.Get(id); exists {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}

	t := r.factory(TransportParams{
		ID:            id,
		AutoRecreated: opts.AutoRecreated,
		OnClose:       func() { _ = r.Remove(context.WithoutCancel(ctx), id, ReasonClosed) },
	})
	if err := r.transports.Put(id, t); err != nil {
		r.mu.Unlock()
		_ = t.Close()
		return nil, fmt.Errorf("put transport: %w", err)
	}
	md := Metadata{ID: id, CreatedAt: now, LastActivityAt: now, AutoRecreated: opts.AutoRecreated}
	if err := r.metadata.Insert(ctx, md); err != nil {
		r.transports.Delete(id)
		r.mu.Unlock()
		if cerr := t.Close(); cerr != nil {
			r.log.WarnContext(ctx, "session.create.rollback.close.fail", slog.String("session_id", id), slog.String("err", cerr.Error()))
		}
		return nil, fmt.Errorf("insert metadata: %w", err)
	}
	r.totalCreated++
	if opts.AutoRecreated {
		r.autoRecreated++
	}
	r.mu.Unlock()

	r.metrics.SessionOpened(opts.AutoRecreated)
	r.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", id), slog.Bool("auto_recreated", opts.AutoRecreated))
	return &Session{ID: id, Transport: t}, nil
}

// Touch records activity for id. Absent ids are ignored.
func (r *Registry) Touch(ctx context.Context, id string) error {
	if _, ok := r.transports.Get(id); !ok {
		return nil
	}
	return r.metadata.Touch(ctx, id, r.clock.Now())
}

// RecordRequest touches id and increments its request counter.
func (r *Registry) RecordRequest(ctx context.Context, id string) error {
	if _, ok := r.transports.Get(id); !ok {
		return nil
	}
	if err := r.metadata.Touch(ctx, id, r.clock.Now()); err != nil {
		return err
	}
	_, err := r.metadata.IncrRequests(ctx, id)
	return err
}

// RecordError increments the error counter for id and returns the new count.
// Absent ids return ErrSessionNotFound.
func (r *Registry) RecordError(ctx context.Context, id string) (int64, error) {
	if _, ok := r.transports.Get(id); !ok {
		return 0, ErrSessionNotFound
	}
	return r.metadata.IncrErrors(ctx, id)
}

// Remove tears down id: both store entries are deleted, then the transport is
// closed. Removing an absent id is a no-op. A transport close failure is
// returned after the session has already left both stores.
func (r *Registry) Remove(ctx context.Context, id string, reason Reason) error {
	_, err := r.remove(ctx, id, reason)
	return err
}

// remove reports whether id left both stores.
func (r *Registry) remove(ctx context.Context, id string, reason Reason) (bool, error) {
	r.mu.Lock()
	t, ok := r.transports.Delete(id)
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if err := r.metadata.Delete(ctx, id); err != nil {
		// Restore the pair; the session stays live.
		_ = r.transports.Put(id, t)
		r.mu.Unlock()
		return false, fmt.Errorf("delete metadata: %w", err)
	}
	r.evicted[reason]++
	r.mu.Unlock()

	r.metrics.SessionClosed(reason)
	if err := t.Close(); err != nil {
		r.log.WarnContext(ctx, "session.remove.close.fail", slog.String("session_id", id), slog.String("reason", string(reason)), slog.String("err", err.Error()))
		return true, fmt.Errorf("close transport for session %s: %w", id, err)
	}
	r.log.InfoContext(ctx, "session.remove.ok", slog.String("session_id", id), slog.String("reason", string(reason)))
	return true, nil
}

// SweepIdle evicts every live session whose last activity is more than
// threshold ago and returns how many were evicted. Failures on individual
// sessions are logged and aggregated; they never stop the sweep.
func (r *Registry) SweepIdle(ctx context.Context, threshold time.Duration) (int, error) {
	now := r.clock.Now()
	var (
		evicted int
		result  *multierror.Error
	)
	for _, id := range r.transports.IDs() {
		if err := ctx.Err(); err != nil {
			return evicted, multierror.Append(result, err).ErrorOrNil()
		}
		md, err := r.metadata.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			r.log.WarnContext(ctx, "session.sweep.load.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		idle := now.Sub(md.LastActivityAt)
		if idle <= threshold {
			continue
		}
		removed, err := r.remove(ctx, id, ReasonIdle)
		if removed {
			evicted++
		}
		if err != nil {
			r.log.WarnContext(ctx, "session.sweep.evict.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		r.log.InfoContext(ctx, "session.sweep.evict", slog.String("session_id", id), slog.Duration("idle", idle))
	}
	return evicted, result.ErrorOrNil()
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := make(map[Reason]int64, len(r.evicted))
	for k, v := range r.evicted {
		ev[k] = v
	}
	return Stats{
		Active:        r.transports.Len(),
		TotalCreated:  r.totalCreated,
		AutoRecreated: r.autoRecreated,
		Evicted:       ev,
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return r.transports.Len() }

// CloseAll removes every live session with ReasonShutdown and rejects further
// Create calls.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var result *multierror.Error
	for _, id := range r.transports.IDs() {
		if err := r.Remove(ctx, id, ReasonShutdown); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
