package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
// A nil *RequestID marshals as JSON null.
type RequestID struct {
	str   string
	num   float64
	isNum bool
}

// NewStringID returns a string request id.
func NewStringID(s string) *RequestID { return &RequestID{str: s} }

// NewNumberID returns a numeric request id.
func NewNumberID(n int64) *RequestID { return &RequestID{num: float64(n), isNum: true} }

// String returns the string representation of the ID, or "" for a nil ID.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.isNum {
		return strconv.FormatFloat(id.num, 'f', -1, 64)
	}
	return id.str
}

// IsNil returns true if the ID is absent.
func (id *RequestID) IsNil() bool {
	return id == nil
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil {
		return []byte("null"), nil
	}
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		id.num, id.isNum, id.str = num, true, ""
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.str, id.isNum, id.num = str, false, 0
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
