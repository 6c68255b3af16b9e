package jsonrpc_test

import (
	"encoding/json"
	"testing"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode jsonrpc.ErrorCode
		wantID   string
	}{
		{name: "valid request", body: `{"jsonrpc":"2.0","method":"ping","id":1}`, wantID: "1"},
		{name: "string id", body: `{"jsonrpc":"2.0","method":"ping","id":"abc"}`, wantID: "abc"},
		{name: "syntax error", body: `{"jsonrpc":`, wantCode: jsonrpc.ErrorCodeParseError},
		{name: "batch", body: `[{"jsonrpc":"2.0","method":"ping","id":1}]`, wantCode: jsonrpc.ErrorCodeInvalidRequest},
		{name: "wrong version", body: `{"jsonrpc":"1.0","method":"ping","id":7}`, wantCode: jsonrpc.ErrorCodeInvalidRequest, wantID: "7"},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":2}`, wantCode: jsonrpc.ErrorCodeInvalidRequest, wantID: "2"},
		{name: "empty", body: `   `, wantCode: jsonrpc.ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := jsonrpc.DecodeRequest([]byte(tt.body))
			if tt.wantCode == 0 {
				if rpcErr != nil {
					t.Fatalf("unexpected error: %v", rpcErr)
				}
			} else {
				if rpcErr == nil {
					t.Fatalf("expected error code %d, got none", tt.wantCode)
				}
				if want, got := tt.wantCode, rpcErr.Code; want != got {
					t.Fatalf("code: want %d, got %d", want, got)
				}
			}
			if tt.wantID != "" {
				if req == nil {
					t.Fatalf("expected partially decoded request")
				}
				if want, got := tt.wantID, req.ID.String(); want != got {
					t.Fatalf("id: want %q, got %q", want, got)
				}
			}
		})
	}
}

func TestErrorResponseEchoesNullID(t *testing.T) {
	resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestNotification(t *testing.T) {
	req, rpcErr := jsonrpc.DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if rpcErr != nil {
		t.Fatalf("decode: %v", rpcErr)
	}
	if !req.IsNotification() {
		t.Fatalf("expected notification")
	}
}
