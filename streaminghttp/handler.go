package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-exchange-server/auth"
	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/internal/logctx"
	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	_ http.Handler = (*Router)(nil)
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxSessionErrors = 5

	maxBodyBytes = 4 << 20
)

// Messages carried by router-generated JSON-RPC errors.
const (
	msgMissingSession = "Bad Request: No valid session ID provided"
	msgUnknownSession = "Session not found"
	msgTimeout        = "Request timeout"
	msgInternal       = "Internal server error"
)

// Observer receives one callback per POST /mcp.
type Observer interface {
	ObserveRequest(method string, status int, elapsed time.Duration)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Router) { h.log = l }
}

// WithRequestTimeout bounds how long POST /mcp waits for the session to
// answer before replying with a gateway timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Router) { h.requestTimeout = d }
}

// WithCompatMode enables fabricating sessions for unknown client-supplied ids.
func WithCompatMode(enabled bool) Option {
	return func(h *Router) { h.compatMode = enabled }
}

// WithMaxSessionErrors sets how many timeouts a session may accumulate
// before it is torn down. The session is removed once its error count
// exceeds n.
func WithMaxSessionErrors(n int64) Option {
	return func(h *Router) { h.maxErrors = n }
}

// WithAuthenticator guards every route with a bearer token check.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Router) { h.authn = a }
}

// WithClock overrides the clock driving request deadlines.
func WithClock(c clockwork.Clock) Option {
	return func(h *Router) { h.clock = c }
}

// WithObserver installs a request observer.
func WithObserver(o Observer) Option {
	return func(h *Router) { h.observer = o }
}

// Router is the session-bearing MCP endpoint. It resolves or creates the
// session for each request, races its handling against a deadline and writes
// exactly one response.
type Router struct {
	registry       *sessions.Registry
	log            *slog.Logger
	requestTimeout time.Duration
	compatMode     bool
	maxErrors      int64
	authn          auth.Authenticator
	clock          clockwork.Clock
	observer       Observer

	handler http.Handler
}

// New constructs a Router over registry.
func New(registry *sessions.Registry, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	h := &Router{
		registry:       registry,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		requestTimeout: DefaultRequestTimeout,
		maxErrors:      DefaultMaxSessionErrors,
		clock:          clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.requestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	if h.maxErrors < 1 {
		return nil, fmt.Errorf("max session errors must be at least 1")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /mcp", h.handleGetMCP)
	mux.HandleFunc("DELETE /mcp", h.handleDeleteMCP)

	var handler http.Handler = mux
	if h.authn != nil {
		handler = auth.Middleware(h.authn, auth.WithRealm("mcp"), auth.WithLogger(h.log))(handler)
	}
	h.handler = handler
	return h, nil
}

func (h *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// responder writes at most one response per request. Later writes are
// dropped and logged.
type responder struct {
	w       http.ResponseWriter
	log     *slog.Logger
	once    sync.Once
	status  int
	written bool
}

func (rw *responder) writeStatus(ctx context.Context, status int) {
	rw.once.Do(func() {
		rw.status, rw.written = status, true
		rw.w.WriteHeader(status)
	})
}

func (rw *responder) writeJSON(ctx context.Context, status int, res *jsonrpc.Response) {
	wrote := false
	rw.once.Do(func() {
		wrote = true
		rw.status, rw.written = status, true
		rw.w.Header().Set("Content-Type", jsonMediaType.String())
		rw.w.WriteHeader(status)
		if err := json.NewEncoder(rw.w).Encode(res); err != nil {
			rw.log.ErrorContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
		}
	})
	if !wrote {
		rw.log.ErrorContext(ctx, "http.response.duplicate", slog.Int("status", status))
	}
}

func (rw *responder) writeError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	rw.writeJSON(ctx, statusForCode(code), jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// statusForCode maps a JSON-RPC error code to the HTTP status it travels
// with.
func statusForCode(code jsonrpc.ErrorCode) int {
	switch code {
	case jsonrpc.ErrorCodeParseError, jsonrpc.ErrorCodeInvalidRequest, jsonrpc.ErrorCodeMissingSession:
		return http.StatusBadRequest
	case jsonrpc.ErrorCodeSessionNotFound:
		return http.StatusNotFound
	case jsonrpc.ErrorCodeGatewayTimeout:
		return http.StatusGatewayTimeout
	case jsonrpc.ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

type protocolVersioner interface {
	ProtocolVersion() string
}

// handlePostMCP handles the POST /mcp endpoint: one JSON-RPC message per
// request, answered with one JSON response.
func (h *Router) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := r.Context()
	rw := &responder{w: w, log: h.log}
	method := ""
	defer func() {
		if p := recover(); p != nil {
			h.log.ErrorContext(ctx, "http.post.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			rw.writeError(ctx, nil, jsonrpc.ErrorCodeInternalError, msgInternal)
		}
		if h.observer != nil && rw.written {
			h.observer.ObserveRequest(method, rw.status, h.clock.Since(start))
		}
	}()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		rw.once.Do(func() {
			rw.status, rw.written = http.StatusUnsupportedMediaType, true
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		})
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		rw.writeError(ctx, nil, jsonrpc.ErrorCodeParseError, "failed to read request body")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	req, rpcErr := jsonrpc.DecodeRequest(raw)
	if rpcErr != nil {
		var id *jsonrpc.RequestID
		if req != nil {
			id = req.ID
		}
		rw.writeError(ctx, id, rpcErr.Code, rpcErr.Message)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", rpcErr.Message))
		return
	}
	method = req.Method

	msgType := "request"
	if req.IsNotification() {
		msgType = "notification"
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   msgType,
	})

	sess, handshake, ok := h.resolveSession(ctx, rw, r.Header.Get(mcpSessionIDHeader), req)
	if !ok {
		return
	}
	sd := &logctx.SessionData{SessionID: sess.ID}
	if ui, ok := auth.UserInfoFromContext(ctx); ok {
		sd.UserID = ui.UserID()
	}
	ctx = logctx.WithSessionData(ctx, sd)

	if err := h.registry.RecordRequest(ctx, sess.ID); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	res, timedOut, err := h.deliver(ctx, sess, req)
	switch {
	case timedOut:
		if handshake {
			// The client never learns the id, so nothing could reach the session.
			h.discard(ctx, sess.ID)
		} else {
			h.handleTimeout(ctx, sess.ID)
		}
		rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeGatewayTimeout, msgTimeout)
		h.log.WarnContext(ctx, "rpc.inbound.timeout", slog.Duration("timeout", h.requestTimeout))
		return
	case err != nil:
		if handshake {
			h.discard(ctx, sess.ID)
		}
		rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeInternalError, msgInternal)
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}

	if handshake && res != nil && res.Error != nil {
		// A failed handshake leaves no session behind.
		h.discard(ctx, sess.ID)
		rw.writeJSON(ctx, statusForCode(res.Error.Code), res)
		h.log.InfoContext(ctx, "session.initialize.fail", slog.Int("code", int(res.Error.Code)))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if pv, ok := sess.Transport.(protocolVersioner); ok {
		if v := pv.ProtocolVersion(); v != "" {
			w.Header().Set(mcpProtocolVersionHeader, v)
		}
	}

	if res == nil {
		rw.writeStatus(ctx, http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", h.clock.Since(start)))
		return
	}

	status := http.StatusOK
	if res.Error != nil {
		status = statusForCode(res.Error.Code)
	}
	rw.writeJSON(ctx, status, res)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int("status", status), slog.Duration("dur", h.clock.Since(start)))
}

// resolveSession applies the session decision table. handshake reports a
// session created for an initialize request without a session id; sessions
// fabricated in compatibility mode are served like existing ones. On
// rejection it writes the response and returns ok=false.
func (h *Router) resolveSession(ctx context.Context, rw *responder, sessID string, req *jsonrpc.Request) (sess *sessions.Session, handshake bool, ok bool) {
	if sessID != "" {
		if s, found := h.registry.Get(sessID); found {
			h.log.DebugContext(ctx, "session.load.ok", slog.String("session_id", sessID))
			return s, false, true
		}
		if !h.compatMode {
			rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeSessionNotFound, msgUnknownSession)
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return nil, false, false
		}
		// Fabricating a session hides client bugs, so every occurrence is logged.
		h.log.WarnContext(ctx, "session.recreate", slog.String("session_id", sessID), slog.String("method", req.Method))
		s, err := h.registry.Create(ctx, sessions.CreateOptions{ID: sessID, AutoRecreated: true})
		if errors.Is(err, sessions.ErrSessionExists) {
			// A concurrent request recreated it first.
			if s, found := h.registry.Get(sessID); found {
				return s, false, true
			}
		}
		if err != nil {
			rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeInternalError, msgInternal)
			h.log.ErrorContext(ctx, "session.recreate.fail", slog.String("session_id", sessID), slog.String("err", err.Error()))
			return nil, false, false
		}
		return s, false, true
	}

	if req.Method != string(mcp.InitializeMethod) {
		rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeMissingSession, msgMissingSession)
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return nil, false, false
	}
	s, err := h.registry.Create(ctx, sessions.CreateOptions{})
	if err != nil {
		rw.writeError(ctx, req.ID, jsonrpc.ErrorCodeInternalError, msgInternal)
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, false, false
	}
	return s, true, true
}

type delivery struct {
	res *jsonrpc.Response
	err error
}

// deliver hands req to the session transport and waits for the first of its
// answer or the request deadline. The transport context is cancelled when the
// deadline wins; an answer that arrives afterwards is discarded.
func (h *Router) deliver(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, bool, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late answer never blocks the transport goroutine.
	done := make(chan delivery, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				h.log.ErrorContext(ctx, "rpc.inbound.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
				done <- delivery{err: fmt.Errorf("transport panic: %v", p)}
			}
		}()
		res, err := sess.Transport.HandleMessage(hctx, req)
		done <- delivery{res: res, err: err}
	}()

	timer := h.clock.NewTimer(h.requestTimeout)
	defer timer.Stop()

	select {
	case d := <-done:
		return d.res, false, d.err
	case <-timer.Chan():
		return nil, true, nil
	}
}

// handleTimeout charges a timeout to the session and tears it down once its
// error count exceeds the ceiling.
func (h *Router) handleTimeout(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	count, err := h.registry.RecordError(ctx, id)
	if err != nil {
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.WarnContext(ctx, "session.error.record.fail", slog.String("err", err.Error()))
		}
		return
	}
	if count <= h.maxErrors {
		return
	}
	h.log.WarnContext(ctx, "session.error.ceiling", slog.Int64("errors", count), slog.Int64("max", h.maxErrors))
	if err := h.registry.Remove(ctx, id, sessions.ReasonErrors); err != nil {
		h.log.ErrorContext(ctx, "session.remove.fail", slog.String("err", err.Error()))
	}
}

func (h *Router) discard(ctx context.Context, id string) {
	if err := h.registry.Remove(context.WithoutCancel(ctx), id, sessions.ReasonClosed); err != nil {
		h.log.WarnContext(ctx, "session.discard.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP rejects GET /mcp: this server never opens a server-initiated
// stream.
func (h *Router) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, "server-initiated streams are not supported")
	h.log.InfoContext(r.Context(), "http.get.unsupported")
}

// handleDeleteMCP terminates an existing session.
func (h *Router) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := r.Context()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if _, ok := h.registry.Get(sessID); !ok {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.registry.Remove(ctx, sessID, sessions.ReasonClosed); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", h.clock.Since(start)))
}
