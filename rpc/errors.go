// File: rpc/errors.go
// Error taxonomy and the exception-to-error-object translation used for
// every handler fault.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
)

// JSON-RPC error codes spoken on the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
)

// ErrInvalidParams is returned (or wrapped) by handlers that reject their
// params; it maps to code -32602.
var ErrInvalidParams = errors.New("invalid params")

// RemoteError carries a peer's error object. A server handler returning one
// has its code and payload echoed verbatim; on the client side an error
// reply rejects its call with a RemoteError (a failed send rejects it with
// the send error instead).
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorObject is the wire representation inside an error reply.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// handleException maps a handler fault to its wire error object.
func handleException(err error) *ErrorObject {
	if errors.Is(err, ErrInvalidParams) {
		return &ErrorObject{Code: CodeInvalidParams, Message: "invalid params"}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &ErrorObject{Code: remote.Code, Message: remote.Message, Data: remote.Data}
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return &ErrorObject{
			Code:    CodeInternalError,
			Message: syntax.Error(),
			Data:    map[string]any{"position": syntax.Offset},
		}
	}
	return &ErrorObject{Code: CodeInternalError, Message: err.Error()}
}
