package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request with the given ID.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Response is a JSON-RPC 2.0 response. A well-formed response carries
// exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. Receiving one means the
// server is alive and answered; the session stays usable.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification: no ID, no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// envelope is the minimal shape used to classify an incoming frame
// before decoding it fully.
type envelope struct {
	ID     *int64 `json:"id"`
	Method string `json:"method"`
}

// matchResponse decodes line as the response to request id. It reports
// false for notifications, server-initiated requests, malformed frames
// and responses to other IDs.
func matchResponse(line []byte, id int64) (*Response, bool) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}
	if env.Method != "" || env.ID == nil || *env.ID != id {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}
