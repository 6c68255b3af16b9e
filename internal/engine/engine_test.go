package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
)

type pingArgs struct {
	Symbol string `json:"symbol,omitempty"`
}

func newDispatcher(t *testing.T) *mcpservice.Dispatcher {
	t.Helper()
	reg, err := mcpservice.NewRegistry(
		mcpservice.NewTool[pingArgs]("quote", func(ctx context.Context, r *mcpservice.ToolRequest[pingArgs]) (any, error) {
			return "quote for " + r.Args().Symbol, nil
		}),
		mcpservice.NewTool[pingArgs]("block", func(ctx context.Context, r *mcpservice.ToolRequest[pingArgs]) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		mcpservice.NewTool[pingArgs]("other", func(ctx context.Context, r *mcpservice.ToolRequest[pingArgs]) (any, error) {
			return "ok", nil
		}),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return mcpservice.NewDispatcher(reg)
}

func request(t *testing.T, id int64, method mcp.Method, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	if id != 0 {
		req.ID = jsonrpc.NewNumberID(id)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	return req
}

func mustHandle(t *testing.T, c *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	t.Helper()
	res, err := c.HandleMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleMessage(%s): %v", req.Method, err)
	}
	return res
}

func initialize(t *testing.T, c *Conn, version string) mcp.InitializeResult {
	t.Helper()
	res := mustHandle(t, c, request(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: version,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	}))
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var out mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	mustHandle(t, c, request(t, 0, mcp.InitializedNotificationMethod, nil))
	return out
}

func TestInitializeNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "latest", requested: "2025-06-18", want: "2025-06-18"},
		{name: "older supported", requested: "2024-11-05", want: "2024-11-05"},
		{name: "unknown falls back to latest", requested: "1999-01-01", want: mcp.LatestProtocolVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("s1", newDispatcher(t), WithServerInfo(mcp.ImplementationInfo{Name: "exchange", Version: "1.2.3"}))
			res := initialize(t, c, tt.requested)
			if want, got := tt.want, res.ProtocolVersion; want != got {
				t.Fatalf("version: want %q, got %q", want, got)
			}
			if res.Capabilities.Tools == nil {
				t.Fatalf("tools capability missing")
			}
			if want, got := "exchange", res.ServerInfo.Name; want != got {
				t.Fatalf("server name: want %q, got %q", want, got)
			}
			if want, got := StateReady, c.State(); want != got {
				t.Fatalf("state: want %q, got %q", want, got)
			}
			if want, got := "test-client", c.ClientInfo().Name; want != got {
				t.Fatalf("client name: want %q, got %q", want, got)
			}
		})
	}
}

func TestRequestsBeforeInitialize(t *testing.T) {
	c := New("s1", newDispatcher(t))

	res := mustHandle(t, c, request(t, 1, mcp.PingMethod, nil))
	if res.Error != nil {
		t.Fatalf("ping should be answered before initialize, got %+v", res.Error)
	}

	res = mustHandle(t, c, request(t, 2, mcp.ToolsListMethod, nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", res)
	}
}

func TestDuplicateInitialize(t *testing.T) {
	c := New("s1", newDispatcher(t))
	initialize(t, c, mcp.LatestProtocolVersion)

	res := mustHandle(t, c, request(t, 9, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion}))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", res)
	}
}

func TestPreInitialized(t *testing.T) {
	c := New("ghost-123", newDispatcher(t), WithPreInitialized(true))
	if want, got := StateReady, c.State(); want != got {
		t.Fatalf("state: want %q, got %q", want, got)
	}
	res := mustHandle(t, c, request(t, 1, mcp.ToolsCallMethod, map[string]any{"name": "quote", "arguments": map[string]any{"symbol": "BTC/USDT"}}))
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}

	// A client that lost its session may still send initialize.
	res = mustHandle(t, c, request(t, 2, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: "2025-03-26"}))
	if res.Error != nil {
		t.Fatalf("re-initialize rejected: %+v", res.Error)
	}
	if want, got := "2025-03-26", c.ProtocolVersion(); want != got {
		t.Fatalf("version: want %q, got %q", want, got)
	}
}

func TestToolsListPaging(t *testing.T) {
	c := New("s1", newDispatcher(t), WithPageSize(2))
	initialize(t, c, mcp.LatestProtocolVersion)

	var names []string
	cursor := ""
	for range 3 {
		res := mustHandle(t, c, request(t, 2, mcp.ToolsListMethod, mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}))
		if res.Error != nil {
			t.Fatalf("tools/list error: %+v", res.Error)
		}
		var out mcp.ListToolsResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, tool := range out.Tools {
			names = append(names, tool.Name)
		}
		cursor = out.NextCursor
		if cursor == "" {
			break
		}
	}
	if want, got := "quote,block,other", strings.Join(names, ","); want != got {
		t.Fatalf("tools: want %q, got %q", want, got)
	}
}

func TestToolsCall(t *testing.T) {
	c := New("s1", newDispatcher(t))
	initialize(t, c, mcp.LatestProtocolVersion)

	t.Run("success", func(t *testing.T) {
		res := mustHandle(t, c, request(t, 3, mcp.ToolsCallMethod, map[string]any{"name": "quote", "arguments": map[string]any{"symbol": "ETH/USDT"}}))
		var out mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.IsError || out.Content[0].Text != "quote for ETH/USDT" {
			t.Fatalf("unexpected result %+v", out)
		}
	})

	t.Run("unknown tool is a tool error", func(t *testing.T) {
		res := mustHandle(t, c, request(t, 4, mcp.ToolsCallMethod, map[string]any{"name": "missing"}))
		if res.Error != nil {
			t.Fatalf("unexpected protocol error: %+v", res.Error)
		}
		var out mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !out.IsError || out.Content[0].Text != "Unknown tool: missing" {
			t.Fatalf("unexpected result %+v", out)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		res := mustHandle(t, c, request(t, 5, mcp.ToolsCallMethod, map[string]any{}))
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		res := mustHandle(t, c, request(t, 6, "resources/list", nil))
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("expected method not found, got %+v", res)
		}
	})
}

func waitInFlight(t *testing.T, c *Conn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.InFlight() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d in-flight calls, have %d", n, c.InFlight())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelledNotification(t *testing.T) {
	c := New("s1", newDispatcher(t))
	initialize(t, c, mcp.LatestProtocolVersion)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := c.HandleMessage(context.Background(), request(t, 42, mcp.ToolsCallMethod, map[string]any{"name": "block"}))
		done <- res
	}()
	waitInFlight(t, c, 1)

	mustHandle(t, c, request(t, 0, mcp.CancelledNotificationMethod, map[string]any{"requestId": 42, "reason": "user abort"}))

	select {
	case res := <-done:
		var out mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !out.IsError || !strings.Contains(out.Content[0].Text, "CancelledError") {
			t.Fatalf("unexpected result %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled call did not return")
	}
	waitInFlight(t, c, 0)
}

func TestClose(t *testing.T) {
	closed := 0
	c := New("s1", newDispatcher(t), WithOnClose(func() { closed++ }))
	initialize(t, c, mcp.LatestProtocolVersion)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := c.HandleMessage(context.Background(), request(t, 7, mcp.ToolsCallMethod, map[string]any{"name": "block"}))
		done <- res
	}()
	waitInFlight(t, c, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if want, got := 1, closed; want != got {
		t.Fatalf("onClose calls: want %d, got %d", want, got)
	}

	select {
	case res := <-done:
		if res == nil || res.Result == nil {
			t.Fatalf("in-flight call should still produce a response, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight call not cancelled by Close")
	}

	res := mustHandle(t, c, request(t, 8, mcp.PingMethod, nil))
	if res.Error == nil {
		t.Fatalf("closed connection should reject messages")
	}
}

func TestFactory(t *testing.T) {
	var onCloseCalled bool
	factory := Factory(newDispatcher(t))

	tr := factory(sessions.TransportParams{ID: "ghost-123", AutoRecreated: true, OnClose: func() { onCloseCalled = true }})
	c, ok := tr.(*Conn)
	if !ok {
		t.Fatalf("factory returned %T", tr)
	}
	if want, got := "ghost-123", c.ID(); want != got {
		t.Fatalf("id: want %q, got %q", want, got)
	}
	if want, got := StateReady, c.State(); want != got {
		t.Fatalf("state: want %q, got %q", want, got)
	}
	_ = c.Close()
	if !onCloseCalled {
		t.Fatalf("OnClose not propagated")
	}

	plain := factory(sessions.TransportParams{ID: "fresh"}).(*Conn)
	if want, got := StateNew, plain.State(); want != got {
		t.Fatalf("state: want %q, got %q", want, got)
	}
}
