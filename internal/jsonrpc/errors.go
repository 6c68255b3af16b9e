package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// Server-defined codes live in the -32000..-32099 range reserved by JSON-RPC.

	// ErrorCodeMissingSession is returned when a non-initialize request arrives
	// without a session identifier.
	ErrorCodeMissingSession ErrorCode = -32000
	// ErrorCodeGatewayTimeout is returned when a request exceeds its deadline.
	ErrorCodeGatewayTimeout ErrorCode = -32001
	// ErrorCodeSessionNotFound is returned when the session identifier does
	// not name a live session.
	ErrorCodeSessionNotFound ErrorCode = -32004
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error, which also satisfies the error interface.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
