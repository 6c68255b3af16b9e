package streaminghttp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/auth/authtest"
	"github.com/ggoodman/mcp-exchange-server/internal/engine"
	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/ggoodman/mcp-exchange-server/sessions/memory"
	"github.com/ggoodman/mcp-exchange-server/streaminghttp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type quoteArgs struct {
	Symbol string `json:"symbol"`
}

type stallArgs struct{}

func testDispatcher(t *testing.T) *mcpservice.Dispatcher {
	t.Helper()
	reg, err := mcpservice.NewRegistry(
		mcpservice.NewTool[quoteArgs]("get_ticker", func(ctx context.Context, r *mcpservice.ToolRequest[quoteArgs]) (any, error) {
			return map[string]any{"symbol": r.Args().Symbol, "last": 42000.5}, nil
		}, mcpservice.WithToolDescription("Get a ticker")),
		mcpservice.NewTool[stallArgs]("stall", func(ctx context.Context, r *mcpservice.ToolRequest[stallArgs]) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return mcpservice.NewDispatcher(reg)
}

func testLogger(t *testing.T) *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type fixture struct {
	srv      *httptest.Server
	registry *sessions.Registry
}

func newFixture(t *testing.T, opts ...streaminghttp.Option) *fixture {
	t.Helper()
	factory := engine.Factory(testDispatcher(t), engine.WithLogger(testLogger(t)), engine.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-exchange-server", Version: "test"}))
	return newFixtureWithFactory(t, factory, opts...)
}

func newFixtureWithFactory(t *testing.T, factory sessions.TransportFactory, opts ...streaminghttp.Option) *fixture {
	t.Helper()
	log := testLogger(t)
	registry, err := sessions.NewRegistry(
		memory.NewTransportStore(),
		memory.NewMetadataStore(),
		factory,
		sessions.WithLogger(log),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	router, err := streaminghttp.New(registry, append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/mcp", router)
	f := &fixture{srv: httptest.NewServer(mux), registry: registry}
	t.Cleanup(func() {
		f.srv.Close()
		_ = registry.CloseAll(context.Background())
	})
	return f
}

type rpcResult struct {
	status    int
	sessionID string
	header    http.Header
	body      jsonrpc.Response
	raw       string
}

func (f *fixture) post(t *testing.T, sessionID, body string) rpcResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := rpcResult{status: resp.StatusCode, sessionID: resp.Header.Get("Mcp-Session-Id"), header: resp.Header, raw: string(raw)}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

func (f *fixture) initialize(t *testing.T) string {
	t.Helper()
	res := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("initialize status: want %d, got %d (%s)", want, got, res.raw)
	}
	if res.sessionID == "" {
		t.Fatalf("initialize returned no session id")
	}
	note := f.post(t, res.sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if want, got := http.StatusAccepted, note.status; want != got {
		t.Fatalf("initialized status: want %d, got %d", want, got)
	}
	return res.sessionID
}

func callTool(name string, args string) string {
	return `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"` + name + `","arguments":` + args + `}}`
}

func TestMissingSession(t *testing.T) {
	f := newFixture(t)

	res := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_ticker"}}`)
	if want, got := http.StatusBadRequest, res.status; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeMissingSession {
		t.Fatalf("expected -32000, got %s", res.raw)
	}
	if want, got := "1", res.body.ID.String(); want != got {
		t.Fatalf("id: want %q, got %q", want, got)
	}
	if want, got := 0, f.registry.Len(); want != got {
		t.Fatalf("sessions: want %d, got %d", want, got)
	}
}

func TestUnknownSession(t *testing.T) {
	t.Run("compat disabled", func(t *testing.T) {
		f := newFixture(t)
		res := f.post(t, "ghost-123", callTool("get_ticker", `{"symbol":"BTC/USDT"}`))
		if want, got := http.StatusNotFound, res.status; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("expected -32004, got %s", res.raw)
		}
		if _, ok := f.registry.Get("ghost-123"); ok {
			t.Fatalf("session should not have been created")
		}
	})

	t.Run("compat enabled", func(t *testing.T) {
		f := newFixture(t, streaminghttp.WithCompatMode(true))
		res := f.post(t, "ghost-123", callTool("get_ticker", `{"symbol":"BTC/USDT"}`))
		if want, got := http.StatusOK, res.status; want != got {
			t.Fatalf("status: want %d, got %d (%s)", want, got, res.raw)
		}
		if want, got := "ghost-123", res.sessionID; want != got {
			t.Fatalf("session header: want %q, got %q", want, got)
		}
		var out mcp.CallToolResult
		if err := json.Unmarshal(res.body.Result, &out); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if out.IsError || !strings.Contains(out.Content[0].Text, "BTC/USDT") {
			t.Fatalf("unexpected result %+v", out)
		}
		md, err := f.registry.Metadata(context.Background(), "ghost-123")
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if !md.AutoRecreated {
			t.Fatalf("session should be marked auto-recreated")
		}

		// Subsequent requests reuse the fabricated session.
		f.post(t, "ghost-123", `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
		if want, got := int64(1), f.registry.Stats().AutoRecreated; want != got {
			t.Fatalf("auto-recreated: want %d, got %d", want, got)
		}
	})
}

func TestRecreatedSessionSurvivesRPCErrors(t *testing.T) {
	f := newFixture(t, streaminghttp.WithCompatMode(true))

	for i := 0; i < 2; i++ {
		res := f.post(t, "ghost-123", `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
		if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("expected method not found, got %s", res.raw)
		}
		if want, got := "ghost-123", res.sessionID; want != got {
			t.Fatalf("session header: want %q, got %q", want, got)
		}
		if _, ok := f.registry.Get("ghost-123"); !ok {
			t.Fatalf("recreated session was torn down after an rpc error")
		}
	}

	stats := f.registry.Stats()
	if want, got := int64(1), stats.AutoRecreated; want != got {
		t.Fatalf("auto-recreated: want %d, got %d", want, got)
	}
	if want, got := int64(0), stats.Evicted[sessions.ReasonClosed]; want != got {
		t.Fatalf("closed evictions: want %d, got %d", want, got)
	}
}

type blockingTransport struct{}

func (blockingTransport) HandleMessage(ctx context.Context, _ *jsonrpc.Request) (*jsonrpc.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingTransport) Close() error { return nil }

func TestInitializeTimeoutLeavesNoSession(t *testing.T) {
	factory := func(sessions.TransportParams) sessions.Transport { return blockingTransport{} }
	f := newFixtureWithFactory(t, factory, streaminghttp.WithRequestTimeout(20*time.Millisecond))

	res := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
	if want, got := http.StatusGatewayTimeout, res.status; want != got {
		t.Fatalf("status: want %d, got %d (%s)", want, got, res.raw)
	}
	if res.sessionID != "" {
		t.Fatalf("timed out handshake returned session %q", res.sessionID)
	}
	if want, got := 0, f.registry.Len(); want != got {
		t.Fatalf("sessions: want %d, got %d", want, got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	sid := f.initialize(t)

	list := f.post(t, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if want, got := http.StatusOK, list.status; want != got {
		t.Fatalf("tools/list status: want %d, got %d", want, got)
	}
	if want, got := "2025-06-18", list.header.Get("Mcp-Protocol-Version"); want != got {
		t.Fatalf("protocol header: want %q, got %q", want, got)
	}
	var tools mcp.ListToolsResult
	if err := json.Unmarshal(list.body.Result, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if want, got := 2, len(tools.Tools); want != got {
		t.Fatalf("tools: want %d, got %d", want, got)
	}

	call := f.post(t, sid, callTool("get_ticker", `{"symbol":"ETH/USDT"}`))
	var out mcp.CallToolResult
	if err := json.Unmarshal(call.body.Result, &out); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %+v", out)
	}

	md, err := f.registry.Metadata(context.Background(), sid)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.RequestCount < 3 {
		t.Fatalf("request count: want at least 3, got %d", md.RequestCount)
	}

	del, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	del.Header.Set("Mcp-Session-Id", sid)
	resp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusNoContent, resp.StatusCode; want != got {
		t.Fatalf("delete status: want %d, got %d", want, got)
	}

	after := f.post(t, sid, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if want, got := http.StatusNotFound, after.status; want != got {
		t.Fatalf("post-delete status: want %d, got %d", want, got)
	}
	if want, got := int64(1), f.registry.Stats().Evicted[sessions.ReasonClosed]; want != got {
		t.Fatalf("closed evictions: want %d, got %d", want, got)
	}
}

func TestInitializeFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	res := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"bogus"}`)
	if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %s", res.raw)
	}
	if res.sessionID != "" {
		t.Fatalf("failed handshake returned session %q", res.sessionID)
	}
	if want, got := 0, f.registry.Len(); want != got {
		t.Fatalf("sessions: want %d, got %d", want, got)
	}
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t, streaminghttp.WithRequestTimeout(50*time.Millisecond), streaminghttp.WithMaxSessionErrors(1))
	sid := f.initialize(t)

	start := time.Now()
	res := f.post(t, sid, callTool("stall", `{}`))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if want, got := http.StatusGatewayTimeout, res.status; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeGatewayTimeout {
		t.Fatalf("expected -32001, got %s", res.raw)
	}
	if want, got := "7", res.body.ID.String(); want != got {
		t.Fatalf("id: want %q, got %q", want, got)
	}
	md, err := f.registry.Metadata(context.Background(), sid)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if want, got := int64(1), md.ErrorCount; want != got {
		t.Fatalf("error count: want %d, got %d", want, got)
	}

	// Exceeding the ceiling tears the session down.
	res = f.post(t, sid, callTool("stall", `{}`))
	if want, got := http.StatusGatewayTimeout, res.status; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if _, ok := f.registry.Get(sid); ok {
		t.Fatalf("session should have been removed after exceeding the error ceiling")
	}
	if want, got := int64(1), f.registry.Stats().Evicted[sessions.ReasonErrors]; want != got {
		t.Fatalf("error evictions: want %d, got %d", want, got)
	}
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)

	t.Run("parse error", func(t *testing.T) {
		res := f.post(t, "", `{"jsonrpc":`)
		if want, got := http.StatusBadRequest, res.status; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		if res.body.Error == nil || res.body.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("expected -32700, got %s", res.raw)
		}
	})

	t.Run("batch", func(t *testing.T) {
		res := f.post(t, "", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
		if want, got := http.StatusBadRequest, res.status; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
	})

	t.Run("content type", func(t *testing.T) {
		resp, err := http.Post(f.srv.URL+"/mcp", "text/plain", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/mcp")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusMethodNotAllowed, resp.StatusCode; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
	})

	t.Run("delete without header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/mcp", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
	})
}

func TestAuthenticator(t *testing.T) {
	f := newFixture(t, streaminghttp.WithAuthenticator(authtest.NewStatic("let-me-in", "alice")))

	res := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if want, got := http.StatusUnauthorized, res.status; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if ch := res.header.Get("WWW-Authenticate"); !strings.HasPrefix(ch, "Bearer") {
		t.Fatalf("missing bearer challenge, got %q", ch)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer let-me-in")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
}

func TestSDKClientInterop(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	f := newFixture(t)

	client := sdk.NewClient(&sdk.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
		Title:   "Test Client",
	}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint: f.srv.URL + "/mcp",
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer cs.Close()

	if want, got := "mcp-exchange-server", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Errorf("Unexpected server name: want %q, got %q", want, got)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "get_ticker",
		Arguments: map[string]any{"symbol": "BTC/USDT"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool returned error: %v", res.Content)
	}
}
