package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-exchange-server/mcp"
)

// Result is the outcome of one tool invocation: either Success or *Failure.
type Result interface {
	// ToolResult renders the outcome as an MCP tool result.
	ToolResult() *mcp.CallToolResult
	isResult()
}

// Success carries a handler payload.
type Success struct {
	Payload any
}

func (Success) isResult() {}

func (s Success) ToolResult() *mcp.CallToolResult {
	text, err := renderPayload(s.Payload)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error encoding result: %v", err))
	}
	return TextResult(text)
}

// FailureKind classifies a Failure.
type FailureKind string

const (
	FailureUnknownTool    FailureKind = "unknown_tool"
	FailureHandlerFailure FailureKind = "handler_failure"
)

// Failure is a tool invocation that did not produce a payload. It implements
// error so callers can treat it uniformly with Go errors.
type Failure struct {
	Kind FailureKind
	Tool string
	// Message is the human-readable text surfaced to the client.
	Message string
	// Err is the underlying handler error, nil for unknown tools.
	Err error
}

func (*Failure) isResult() {}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) ToolResult() *mcp.CallToolResult {
	return ErrorResult(f.Message)
}

func unknownTool(name string) *Failure {
	return &Failure{
		Kind:    FailureUnknownTool,
		Tool:    name,
		Message: fmt.Sprintf("Unknown tool: %s", name),
	}
}

func handlerFailure(name string, err error) *Failure {
	return &Failure{
		Kind:    FailureHandlerFailure,
		Tool:    name,
		Message: fmt.Sprintf("Error executing %s: %s\n\nType: %s", name, err.Error(), ErrorType(err)),
		Err:     err,
	}
}

// ErrorType names the class of err for client-facing messages. Errors may
// name themselves by implementing ErrorType() string.
func ErrorType(err error) string {
	var typed interface{ ErrorType() string }
	switch {
	case errors.As(err, &typed):
		return typed.ErrorType()
	case errors.Is(err, ErrInvalidArguments):
		return "ValidationError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	default:
		return "Error"
	}
}

func renderPayload(v any) (string, error) {
	switch p := v.(type) {
	case string:
		return p, nil
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Indent(&buf, p, "", "  "); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// ErrorResult returns an error CallToolResult with a single text block and
// IsError=true.
func ErrorResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}, IsError: true}
}
