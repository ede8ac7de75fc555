// Package jsonrpc holds the JSON-RPC 2.0 envelopes used on the control channel.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version written in every envelope
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error object. It doubles as a Go error so handlers can return it.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ParseError reports malformed JSON
func ParseError(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "Parse error", Data: detail}
}

// InvalidRequest reports a well-formed document that is not a request
func InvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid request", Data: detail}
}

// MethodNotFound reports an unknown method
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

// InvalidParams reports a missing or out of range parameter
func InvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
}

// InternalError reports a failure while executing a valid request
func InternalError(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message}
}

// Request is a method call from a control client
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	params map[string]json.RawMessage
}

// Parse decodes a request and indexes its named parameters
func Parse(text []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(text, &req); err != nil {
		return nil, ParseError(err.Error())
	}
	if req.Method == "" {
		return &req, InvalidRequest("method is required")
	}
	if req.ID == nil {
		return &req, InvalidRequest("id is required")
	}

	req.params = map[string]json.RawMessage{}
	if len(bytes.TrimSpace(req.Params)) > 0 && !bytes.Equal(bytes.TrimSpace(req.Params), []byte("null")) {
		if err := json.Unmarshal(req.Params, &req.params); err != nil {
			return &req, InvalidParams("params must be an object")
		}
	}
	return &req, nil
}

// HasParam reports whether the named parameter was supplied
func (r *Request) HasParam(name string) bool {
	_, ok := r.params[name]
	return ok
}

// Param decodes the named parameter into dst
func (r *Request) Param(name string, dst any) error {
	raw, ok := r.params[name]
	if !ok {
		return InvalidParams(fmt.Sprintf("missing parameter %q", name))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return InvalidParams(fmt.Sprintf("parameter %q: %v", name, err))
	}
	return nil
}

// StringParam returns the named string parameter
func (r *Request) StringParam(name string) (string, error) {
	var s string
	if err := r.Param(name, &s); err != nil {
		return "", err
	}
	return s, nil
}

// BoolParam returns the named bool parameter
func (r *Request) BoolParam(name string) (bool, error) {
	var b bool
	if err := r.Param(name, &b); err != nil {
		return false, err
	}
	return b, nil
}

// IntParam returns the named integer parameter, rejecting values outside [min, max]
func (r *Request) IntParam(name string, min, max int) (int, error) {
	var v int
	if err := r.Param(name, &v); err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, InvalidParams(fmt.Sprintf("parameter %q out of range [%d, %d]: %d", name, min, max, v))
	}
	return v, nil
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int   `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// MarshalJSON always writes "result" for success responses so that false, 0 and ""
// results survive encoding
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string `json:"jsonrpc"`
			ID      *int   `json:"id"`
			Error   *Error `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      *int   `json:"id"`
		Result  any    `json:"result"`
	}{r.JSONRPC, r.ID, r.Result})
}

// NewResult builds a success response
func NewResult(id *int, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response
func NewErrorResponse(id *int, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Notification is an unsolicited event without an id
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewNotification builds a notification
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Encode marshals an envelope to a single line of JSON text
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
