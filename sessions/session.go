package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
)

var (
	// ErrSessionNotFound indicates the id does not name a live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates an insert collided with a live session.
	ErrSessionExists = errors.New("session already exists")
	// ErrRegistryClosed is returned by Create after CloseAll.
	ErrRegistryClosed = errors.New("session registry closed")
)

// Reason explains why a session reached its terminal state.
type Reason string

const (
	ReasonIdle     Reason = "idle"
	ReasonClosed   Reason = "closed"
	ReasonErrors   Reason = "errors"
	ReasonShutdown Reason = "shutdown"
)

// Metadata is the activity record kept for each session.
type Metadata struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	RequestCount   int64     `json:"requestCount"`
	ErrorCount     int64     `json:"errorCount"`
	// AutoRecreated marks sessions fabricated outside the initialize
	// handshake (compatibility mode).
	AutoRecreated bool `json:"autoRecreated"`
}

// Transport is the live protocol connection owned by a session. Implementations
// serialize delivery of messages that share the same session and must make
// Close idempotent.
type Transport interface {
	// HandleMessage processes one inbound request. Notifications return a nil
	// response.
	HandleMessage(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// Close releases the connection. Further messages are rejected.
	Close() error
}

// TransportParams is passed to a TransportFactory when a session is created.
type TransportParams struct {
	ID            string
	AutoRecreated bool
	// OnClose lets the transport report that it closed on its own. The
	// registry removes the session with ReasonClosed. It is safe to invoke
	// more than once.
	OnClose func()
}

// TransportFactory builds the transport for a new session.
type TransportFactory func(p TransportParams) Transport

// TransportStore holds live transports keyed by session id. Implementations
// must be safe for concurrent use.
type TransportStore interface {
	Get(id string) (Transport, bool)
	// Put inserts t under id and returns ErrSessionExists if id is present.
	Put(id string, t Transport) error
	// Delete removes id and returns the transport it held, if any.
	Delete(id string) (Transport, bool)
	IDs() []string
	Len() int
}

// MetadataStore persists session Metadata. Implementations must be safe for
// concurrent use; updates to absent ids are no-ops.
type MetadataStore interface {
	// Insert stores md and returns ErrSessionExists if md.ID is present.
	Insert(ctx context.Context, md Metadata) error
	// Get returns ErrSessionNotFound when the id is absent.
	Get(ctx context.Context, id string) (Metadata, error)
	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// Touch sets LastActivityAt to at unless the stored value is later.
	Touch(ctx context.Context, id string, at time.Time) error
	// IncrRequests increments RequestCount and returns the new value.
	IncrRequests(ctx context.Context, id string) (int64, error)
	// IncrErrors increments ErrorCount and returns the new value.
	IncrErrors(ctx context.Context, id string) (int64, error)
	List(ctx context.Context) ([]Metadata, error)
}

// Session is the registry's view of one live session.
type Session struct {
	ID        string
	Transport Transport
}

// MetricsSink receives lifecycle events. Implementations must be fast and
// non-blocking.
type MetricsSink interface {
	SessionOpened(autoRecreated bool)
	SessionClosed(reason Reason)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened(bool)   {}
func (noopMetrics) SessionClosed(Reason) {}
