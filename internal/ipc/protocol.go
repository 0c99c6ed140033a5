package ipc

import "encoding/json"

// Request is the wire envelope sent by clients. ID is an opaque correlation
// token echoed back verbatim in the matching response.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// Response is the wire envelope returned by the daemon. Exactly one of Result
// and Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// ErrorDetail carries a structured failure: a stable machine-readable kind
// and a human-readable message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error makes an RPC failure usable as a Go error on the client side.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}
