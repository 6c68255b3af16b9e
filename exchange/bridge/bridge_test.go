package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/mcp-exchange-server/exchange"
	"github.com/ggoodman/mcp-exchange-server/exchange/bridge"
)

type recorded struct {
	path string
	body struct {
		Args        []any                 `json:"args"`
		Credentials *exchange.Credentials `json:"credentials"`
	}
}

func newBridge(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, rec *recorded)) (*bridge.Connector, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&rec.body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		handler(w, r, rec)
	}))
	t.Cleanup(srv.Close)

	c, err := bridge.New(srv.URL + "/v1")
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	return c, rec
}

func TestCallSuccess(t *testing.T) {
	c, rec := newBridge(t, func(w http.ResponseWriter, r *http.Request, rec *recorded) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"symbol":"BTC/USDT","last":42000}}`))
	})
	h, err := c.Connect(context.Background(), "binance", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := h.Call(context.Background(), "fetchTicker", "BTC/USDT", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if want, got := "/v1/exchanges/binance/fetchTicker", rec.path; want != got {
		t.Fatalf("path: want %s, got %s", want, got)
	}
	if want, got := 1, len(rec.body.Args); want != got {
		t.Fatalf("args: want %d (trailing nil dropped), got %d", want, got)
	}
	if rec.body.Credentials != nil {
		t.Fatalf("unauthenticated handle must not send credentials")
	}
	var ticker struct {
		Last float64 `json:"last"`
	}
	if err := json.Unmarshal(res, &ticker); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := 42000.0, ticker.Last; want != got {
		t.Fatalf("last: want %v, got %v", want, got)
	}
}

func TestCallSendsCredentials(t *testing.T) {
	c, rec := newBridge(t, func(w http.ResponseWriter, r *http.Request, rec *recorded) {
		_, _ = w.Write([]byte(`{"result":{}}`))
	})
	h, err := c.Connect(context.Background(), "kraken", &exchange.Credentials{APIKey: "k", Secret: "s", Password: "p"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.Authenticated() {
		t.Fatalf("expected authenticated handle")
	}
	if _, err := h.Call(context.Background(), "fetchBalance"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if rec.body.Credentials == nil || rec.body.Credentials.APIKey != "k" || rec.body.Credentials.Password != "p" {
		t.Fatalf("credentials not forwarded: %+v", rec.body.Credentials)
	}
}

func TestCallRemoteErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		wantMsg  string
	}{
		{name: "error envelope", status: http.StatusBadRequest, body: `{"error":{"type":"BadSymbol","message":"binance does not have market symbol FOO/BAR"}}`, wantType: "BadSymbol", wantMsg: "binance does not have market symbol FOO/BAR"},
		{name: "plain failure", status: http.StatusBadGateway, body: `upstream down`, wantMsg: "upstream down"},
		{name: "empty failure", status: http.StatusServiceUnavailable, body: ``, wantMsg: "Service Unavailable"},
		{name: "garbage success", status: http.StatusOK, body: `not json`, wantType: "BadResponse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newBridge(t, func(w http.ResponseWriter, r *http.Request, rec *recorded) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			h, _ := c.Connect(context.Background(), "binance", nil)
			_, err := h.Call(context.Background(), "fetchTicker", "FOO/BAR")
			var re *exchange.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("want *exchange.RemoteError, got %T %v", err, err)
			}
			if want, got := tt.wantType, re.Type; want != got {
				t.Fatalf("type: want %q, got %q", want, got)
			}
			if tt.wantMsg != "" && tt.wantMsg != re.Message {
				t.Fatalf("message: want %q, got %q", tt.wantMsg, re.Message)
			}
			if want, got := tt.status, re.Status; want != got {
				t.Fatalf("status: want %d, got %d", want, got)
			}
		})
	}
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := bridge.New("ftp://example.com"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
