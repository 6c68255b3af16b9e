package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

var (
	// ErrBatchUnsupported is returned by DecodeRequest for JSON arrays.
	ErrBatchUnsupported = errors.New("jsonrpc: batch requests are not supported")
)

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// DecodeRequest parses a single inbound message. Syntax errors are reported
// as ErrorCodeParseError, structural problems as ErrorCodeInvalidRequest.
// Whatever id could be recovered is returned alongside the error so the
// caller can echo it.
func DecodeRequest(raw []byte) (*Request, *Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewError(ErrorCodeInvalidRequest, "empty body")
	}
	if raw[0] == '[' {
		return nil, NewError(ErrorCodeInvalidRequest, ErrBatchUnsupported.Error())
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, NewError(ErrorCodeParseError, "parse error")
		}
		return &req, NewError(ErrorCodeInvalidRequest, err.Error())
	}
	if req.JSONRPCVersion != ProtocolVersion {
		return &req, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, req.JSONRPCVersion))
	}
	if req.Method == "" {
		return &req, NewError(ErrorCodeInvalidRequest, "method is required")
	}
	return &req, nil
}
