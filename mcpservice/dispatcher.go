package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"
)

const argSummaryLimit = 256

// Outcome labels an invocation for observers.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeUnknownTool Outcome = "unknown_tool"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomePanic       Outcome = "panic"
)

// Observer receives one callback per invocation.
type Observer interface {
	ObserveInvocation(tool string, outcome Outcome, elapsed time.Duration)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver installs an invocation observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// Dispatcher invokes registered tools and converts every outcome, including
// handler errors, timeouts and panics, into a Result. It never returns an
// error to its caller.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
	observer Observer
}

// NewDispatcher constructs a Dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry this dispatcher serves.
func (d *Dispatcher) Registry() *Registry { return d.registry }

type invocation struct {
	payload  any
	err      error
	panicked bool
}

// Invoke runs the named tool with args. Unknown names never reach a handler.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args json.RawMessage) Result {
	start := time.Now()
	tool, ok := d.registry.Lookup(name)
	if !ok {
		d.log.WarnContext(ctx, "dispatch.invoke.unknown", slog.String("tool", name))
		d.observe(name, OutcomeUnknownTool, time.Since(start))
		return unknownTool(name)
	}

	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	// Buffered so an abandoned handler can still deliver and exit.
	done := make(chan invocation, 1)
	go func() {
		var inv invocation
		defer func() {
			if r := recover(); r != nil {
				d.log.ErrorContext(ctx, "dispatch.invoke.panic", slog.String("tool", name), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				inv = invocation{err: fmt.Errorf("panic: %v", r), panicked: true}
			}
			done <- inv
		}()
		inv.payload, inv.err = tool.Handler(ctx, args)
	}()

	var (
		inv     invocation
		outcome Outcome
	)
	select {
	case inv = <-done:
		switch {
		case inv.panicked:
			outcome = OutcomePanic
		case inv.err != nil:
			outcome = OutcomeError
		default:
			outcome = OutcomeOK
		}
	case <-ctx.Done():
		outcome = OutcomeTimeout
		if tool.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			inv = invocation{err: fmt.Errorf("%s timed out after %s: %w", name, tool.Timeout, ctx.Err())}
		} else {
			inv = invocation{err: fmt.Errorf("%s: %w", name, ctx.Err())}
		}
	}

	elapsed := time.Since(start)
	d.observe(name, outcome, elapsed)
	attrs := []any{
		slog.String("tool", name),
		slog.String("args", summarizeArgs(args)),
		slog.Duration("dur", elapsed),
		slog.String("outcome", string(outcome)),
	}
	if outcome != OutcomeOK {
		attrs = append(attrs, slog.String("err", inv.err.Error()))
		d.log.WarnContext(ctx, "dispatch.invoke.fail", attrs...)
		return handlerFailure(name, inv.err)
	}
	d.log.InfoContext(ctx, "dispatch.invoke.ok", attrs...)
	return Success{Payload: inv.payload}
}

func (d *Dispatcher) observe(tool string, outcome Outcome, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveInvocation(tool, outcome, elapsed)
	}
}

func summarizeArgs(args json.RawMessage) string {
	if !hasArguments(args) {
		return "{}"
	}
	if len(args) > argSummaryLimit {
		cut := argSummaryLimit
		for cut > 0 && !utf8.RuneStart(args[cut]) {
			cut--
		}
		return string(args[:cut]) + "..."
	}
	return string(args)
}
