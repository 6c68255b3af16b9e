// Package tools defines the exchange tool catalogue: thirteen public
// market-data tools and eleven credential-gated account and trading tools,
// each bound to a timeout class and executed through an exchange.Manager.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-exchange-server/exchange"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/jonboulle/clockwork"
)

// Timeout classes.
const (
	TimeoutQuick      = 5 * time.Second
	TimeoutMarketData = 10 * time.Second
	TimeoutAccount    = 15 * time.Second
	TimeoutTrading    = 20 * time.Second
	TimeoutHeavy      = 30 * time.Second
)

// Default result sizes.
const (
	DefaultOrderbookLimit = 10
	DefaultOHLCVLimit     = 100
	DefaultTradesLimit    = 50
	DefaultMarketsLimit   = 50
	DefaultOrdersLimit    = 50
	DefaultTimeframe      = "1h"
)

// batchConcurrency bounds parallel ticker fetches in batch_get_tickers.
const batchConcurrency = 8

// Option configures a Toolset.
type Option func(*Toolset)

// WithClock overrides the clock used for result timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(ts *Toolset) { ts.clock = c }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(ts *Toolset) { ts.log = l }
}

// Toolset builds the tool catalogue over an exchange.Manager.
type Toolset struct {
	manager         *exchange.Manager
	defaultExchange string
	clock           clockwork.Clock
	log             *slog.Logger

	mu        sync.Mutex
	described map[string]description
}

// New constructs a Toolset. defaultExchange is used when a call omits the
// exchange argument and must be supported by manager.
func New(manager *exchange.Manager, defaultExchange string, opts ...Option) (*Toolset, error) {
	if manager == nil {
		return nil, fmt.Errorf("exchange manager is required")
	}
	def := exchange.Normalize(defaultExchange)
	if !manager.IsSupported(def) {
		return nil, fmt.Errorf("default exchange %q: %w", defaultExchange, exchange.ErrUnsupportedExchange)
	}
	ts := &Toolset{
		manager:         manager,
		defaultExchange: def,
		clock:           clockwork.NewRealClock(),
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		described:       make(map[string]description),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// Tools returns every tool, public first, in a stable order.
func (ts *Toolset) Tools() []mcpservice.Tool {
	return append(ts.Public(), ts.Private()...)
}

// Registry builds an mcpservice.Registry over Tools.
func (ts *Toolset) Registry() (*mcpservice.Registry, error) {
	return mcpservice.NewRegistry(ts.Tools()...)
}

// ExchangeArg is embedded by every tool that targets one exchange.
type ExchangeArg struct {
	Exchange string `json:"exchange,omitempty"`
}

func (ts *Toolset) options(desc string, class mcpservice.Class, timeout time.Duration) []mcpservice.ToolOption {
	return []mcpservice.ToolOption{
		mcpservice.WithToolDescription(desc),
		mcpservice.WithToolClass(class),
		mcpservice.WithToolTimeout(timeout),
		mcpservice.WithToolEnum("exchange", ts.manager.Supported()...),
		mcpservice.WithToolPropertyDescription("exchange", fmt.Sprintf("Exchange to use (optional, defaults to %s)", ts.defaultExchange)),
	}
}

func (ts *Toolset) exchangeID(arg ExchangeArg) string {
	if arg.Exchange == "" {
		return ts.defaultExchange
	}
	return exchange.Normalize(arg.Exchange)
}

func (ts *Toolset) nowMillis() int64 { return ts.clock.Now().UnixMilli() }

// describe returns the static capabilities of an exchange, memoized per
// exchange id.
func (ts *Toolset) describe(ctx context.Context, h exchange.Handle) (description, error) {
	id := h.ExchangeID()
	ts.mu.Lock()
	d, ok := ts.described[id]
	ts.mu.Unlock()
	if ok {
		return d, nil
	}
	d, err := call[description](ctx, h, "describe")
	if err != nil {
		return description{}, err
	}
	ts.mu.Lock()
	ts.described[id] = d
	ts.mu.Unlock()
	return d, nil
}

// require fails unless the exchange supports at least one of methods.
func (ts *Toolset) require(ctx context.Context, h exchange.Handle, what string, methods ...string) (capabilities, error) {
	d, err := ts.describe(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		if d.Has.Supports(m) {
			return d.Has, nil
		}
	}
	return nil, &UnsupportedOperationError{Exchange: h.ExchangeID(), Operation: what}
}

// UnsupportedOperationError reports an exchange that lacks a capability.
type UnsupportedOperationError struct {
	Exchange  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Exchange, e.Operation)
}

func (e *UnsupportedOperationError) ErrorType() string { return "NotSupported" }

// call invokes method and decodes its result into T.
func call[T any](ctx context.Context, h exchange.Handle, method string, args ...any) (T, error) {
	var out T
	raw, err := h.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result from %s: %w", method, h.ExchangeID(), err)
	}
	return out, nil
}

// optional maps zero values to nil so the bridge receives undefined.
func optional[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orAll(symbol string) string {
	if symbol == "" {
		return "all"
	}
	return symbol
}
