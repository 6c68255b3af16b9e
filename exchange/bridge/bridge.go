// Package bridge implements exchange.Connector against an HTTP
// exchange-integration service that exposes the unified exchange API as
//
//	POST {base}/exchanges/{exchange}/{method}
//	{"args": [...], "credentials": {"apiKey": "...", "secret": "...", "password": "..."}}
//
// and answers {"result": ...} on success or {"error": {"type": "...", "message": "..."}}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-exchange-server/exchange"
)

var _ exchange.Connector = (*Connector)(nil)

const maxResponseBytes = 16 << 20

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Connector) { b.client = c }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(b *Connector) { b.log = l }
}

// Connector talks to the integration service at a fixed base URL.
type Connector struct {
	base   *url.URL
	client *http.Client
	log    *slog.Logger
}

// New returns a Connector for the service at baseURL.
func New(baseURL string, opts ...Option) (*Connector, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bridge URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Connector{
		base:   u,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect returns a handle bound to exchangeID. No request is made until the
// first Call.
func (c *Connector) Connect(_ context.Context, exchangeID string, creds *exchange.Credentials) (exchange.Handle, error) {
	if exchangeID == "" {
		return nil, errors.New("exchange id is required")
	}
	h := &handle{c: c, id: exchangeID}
	if creds != nil {
		cp := *creds
		h.creds = &cp
	}
	return h, nil
}

type handle struct {
	c     *Connector
	id    string
	creds *exchange.Credentials
}

func (h *handle) ExchangeID() string  { return h.id }
func (h *handle) Authenticated() bool { return h.creds != nil }

// Close drops the credentials held by an authenticated handle.
func (h *handle) Close() error {
	h.creds = nil
	return nil
}

type callRequest struct {
	Args        []any                 `json:"args"`
	Credentials *exchange.Credentials `json:"credentials,omitempty"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *handle) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	// Trailing nil optionals are dropped so the service applies its defaults.
	for len(args) > 0 && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}
	body, err := json.Marshal(callRequest{Args: args, Credentials: h.creds})
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}

	u := h.c.base.JoinPath("exchanges", h.id, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := h.c.client.Do(req)
	if err != nil {
		h.c.log.WarnContext(ctx, "bridge.call.fail", slog.String("exchange", h.id), slog.String("method", method), slog.String("err", err.Error()))
		return nil, &exchange.RemoteError{Exchange: h.id, Method: method, Type: "NetworkError", Message: err.Error()}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &exchange.RemoteError{Exchange: h.id, Method: method, Type: "NetworkError", Message: err.Error(), Status: res.StatusCode}
	}

	var out callResponse
	decodeErr := json.Unmarshal(raw, &out)
	if decodeErr == nil && out.Error != nil {
		return nil, &exchange.RemoteError{Exchange: h.id, Method: method, Type: out.Error.Type, Message: out.Error.Message, Status: res.StatusCode}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" || decodeErr == nil {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, &exchange.RemoteError{Exchange: h.id, Method: method, Message: msg, Status: res.StatusCode}
	}
	if decodeErr != nil {
		return nil, &exchange.RemoteError{Exchange: h.id, Method: method, Type: "BadResponse", Message: decodeErr.Error(), Status: res.StatusCode}
	}
	if len(out.Result) == 0 {
		out.Result = json.RawMessage("null")
	}

	h.c.log.DebugContext(ctx, "bridge.call.ok", slog.String("exchange", h.id), slog.String("method", method), slog.Duration("dur", time.Since(start)))
	return out.Result, nil
}
