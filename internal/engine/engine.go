// Package engine implements the per-session MCP protocol connection that the
// session registry owns. A Conn negotiates the initialize handshake, answers
// ping, serves tools/list from the tool registry and runs tools/call through
// the dispatcher while tracking in-flight calls for cancellation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/internal/logctx"
	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
)

var (
	// ErrClosed is the cancellation cause for calls interrupted by Close.
	ErrClosed = errors.New("connection closed")
	// ErrCancelledByClient is the cancellation cause for calls named by a
	// notifications/cancelled message.
	ErrCancelledByClient = errors.New("request cancelled by client")
)

// State is the handshake state of a Conn.
type State string

const (
	StateNew         State = "new"
	StateInitialized State = "initialized"
	StateReady       State = "ready"
	StateClosed      State = "closed"
)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *Conn) { c.serverInfo = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(c *Conn) { c.instructions = s }
}

// WithPageSize bounds tools/list pages. Zero returns every tool at once.
func WithPageSize(n int) Option {
	return func(c *Conn) { c.pageSize = n }
}

// WithPreInitialized starts the Conn in the ready state at the latest protocol
// version, for sessions fabricated without a handshake.
func WithPreInitialized(v bool) Option {
	return func(c *Conn) {
		if v {
			c.state = StateReady
			c.protocolVersion = mcp.LatestProtocolVersion
			c.preInitialized = true
		}
	}
}

// WithOnClose registers a callback run once when the Conn closes.
func WithOnClose(fn func()) Option {
	return func(c *Conn) { c.onClose = fn }
}

// Conn is the protocol state of one session. HandleMessage is safe for
// concurrent use: handshake state and the in-flight table are guarded by mu,
// tool calls run concurrently.
type Conn struct {
	id           string
	dispatcher   *mcpservice.Dispatcher
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string
	pageSize     int
	onClose      func()

	mu              sync.Mutex
	state           State
	preInitialized  bool
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	inflight        map[string]context.CancelCauseFunc
}

var _ sessions.Transport = (*Conn)(nil)

// New constructs a Conn for session id.
func New(id string, dispatcher *mcpservice.Dispatcher, opts ...Option) *Conn {
	c := &Conn{
		id:         id,
		dispatcher: dispatcher,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		serverInfo: mcp.ImplementationInfo{Name: "mcp-exchange-server", Version: "dev"},
		state:      StateNew,
		inflight:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns a sessions.TransportFactory producing Conns that share
// dispatcher and opts. Auto-recreated sessions start pre-initialized.
func Factory(dispatcher *mcpservice.Dispatcher, opts ...Option) sessions.TransportFactory {
	return func(p sessions.TransportParams) sessions.Transport {
		o := append([]Option{}, opts...)
		o = append(o, WithPreInitialized(p.AutoRecreated), WithOnClose(p.OnClose))
		return New(p.ID, dispatcher, o...)
	}
}

// ID returns the session id this Conn serves.
func (c *Conn) ID() string { return c.id }

// State returns the current handshake state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProtocolVersion returns the negotiated protocol version, or "" before
// initialize.
func (c *Conn) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// ClientInfo returns the implementation info the client sent on initialize.
func (c *Conn) ClientInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientInfo
}

// InFlight returns the number of tool calls currently running.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Conn) withSessionData(ctx context.Context) context.Context {
	c.mu.Lock()
	sd := &logctx.SessionData{
		SessionID:       c.id,
		ProtocolVersion: c.protocolVersion,
		State:           string(c.state),
		AutoRecreated:   c.preInitialized,
	}
	c.mu.Unlock()
	return logctx.WithSessionData(ctx, sd)
}

// HandleMessage processes one inbound request or notification. Notifications
// return a nil response. Protocol failures are reported as JSON-RPC error
// responses; the returned error is reserved for failures to build a response.
func (c *Conn) HandleMessage(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = c.withSessionData(ctx)
	msgType := "request"
	if req.IsNotification() {
		msgType = "notification"
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msgType})

	if c.State() == StateClosed {
		c.log.InfoContext(ctx, "engine.handle_message.closed")
		if req.IsNotification() {
			return nil, nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound, "session closed", nil), nil
	}

	if req.IsNotification() {
		c.handleNotification(ctx, req)
		return nil, nil
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return c.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	}

	if st := c.State(); st == StateNew {
		c.log.InfoContext(ctx, "engine.handle_request.uninitialized")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return c.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return c.handleToolCall(ctx, req)
	default:
		c.log.InfoContext(ctx, "engine.handle_request.unsupported")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
	}
}

func (c *Conn) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	negotiated := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(negotiated) {
		negotiated = mcp.LatestProtocolVersion
	}

	c.mu.Lock()
	if c.state != StateNew && !c.preInitialized {
		c.mu.Unlock()
		c.log.InfoContext(ctx, "engine.initialize.duplicate")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	c.state = StateInitialized
	c.protocolVersion = negotiated
	c.clientInfo = params.ClientInfo
	c.mu.Unlock()

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: false},
		},
		ServerInfo:   c.serverInfo,
		Instructions: c.instructions,
	}

	c.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", negotiated),
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (c *Conn) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		c.mu.Lock()
		if c.state == StateInitialized {
			c.state = StateReady
		}
		c.mu.Unlock()
		c.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			c.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		if c.cancelInFlightRequest(id.String()) {
			c.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", id.String()), slog.String("reason", params.Reason))
		}
	default:
		c.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
}

func (c *Conn) cancelInFlightRequest(reqID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[reqID]
	c.mu.Unlock()
	if ok {
		cancel(ErrCancelledByClient)
	}
	return ok
}

func (c *Conn) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	tools, next := c.dispatcher.Registry().Page(params.Cursor, c.pageSize)
	result := mcp.ListToolsResult{
		Tools:           tools,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	}

	c.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (c *Conn) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		c.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	reqID := req.ID.String()
	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound, "session closed", nil), nil
	}
	if _, exists := c.inflight[reqID]; exists {
		c.mu.Unlock()
		c.log.WarnContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	c.inflight[reqID] = toolCancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, reqID)
		c.mu.Unlock()
	}()

	res := c.dispatcher.Invoke(toolCtx, params.Name, params.Arguments)
	out := res.ToolResult()

	if cause := context.Cause(toolCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		c.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.String("cause", cause.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	} else {
		c.log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", out.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return jsonrpc.NewResultResponse(req.ID, out)
}

// Close cancels every in-flight call and rejects further messages. It is
// idempotent; the OnClose callback runs on the first call only.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	cancels := c.inflight
	c.inflight = make(map[string]context.CancelCauseFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrClosed)
	}
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}
