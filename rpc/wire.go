// File: rpc/wire.go
// JSON-RPC 2.0 envelope parsing and reply construction. One JSON message
// per TEXT frame; binary frames never reach this layer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only jsonrpc value accepted or emitted.
const Version = "2.0"

var nullID = json.RawMessage("null")

// request is a validated inbound request. ID is the raw token so replies
// echo it byte-exactly; HasID distinguishes calls from notifications.
type request struct {
	Method string
	Params any
	ID     json.RawMessage
	HasID  bool
}

type successReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

type errorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *ErrorObject    `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// notification is the pub/sub push envelope. Not JSON-RPC standard: no id,
// no jsonrpc member.
type notification struct {
	Notification string `json:"notification"`
	Params       any    `json:"params"`
}

// structured reports whether a raw JSON token is an object or array.
func structured(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// parseRequest validates one inbound message. The returned error object is
// a top-level -32700 or -32600 fault; the request is only meaningful when
// it is nil. Whatever id could be recovered is carried either way.
func parseRequest(data []byte) (request, *ErrorObject) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if syntax, ok := err.(*json.SyntaxError); ok {
			return request{}, &ErrorObject{Code: CodeParseError, Message: syntax.Error()}
		}
		return request{}, &ErrorObject{Code: CodeInvalidRequest, Message: "object required"}
	}

	req := request{}
	if idRaw, ok := fields["id"]; ok {
		req.HasID = true
		req.ID = idRaw
		if structured(idRaw) {
			return req, &ErrorObject{Code: CodeInvalidRequest, Message: "id need to be a primitive"}
		}
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != Version {
		return req, &ErrorObject{Code: CodeInvalidRequest, Message: "jsonrpc version mismatch"}
	}
	if err := json.Unmarshal(fields["method"], &req.Method); err != nil {
		return req, &ErrorObject{Code: CodeInvalidRequest, Message: "method need to be a string"}
	}
	paramsRaw, ok := fields["params"]
	if !ok || !structured(paramsRaw) {
		return req, &ErrorObject{Code: CodeInvalidRequest, Message: "params need to be a object or array"}
	}
	if err := json.Unmarshal(paramsRaw, &req.Params); err != nil {
		return req, &ErrorObject{Code: CodeInvalidRequest, Message: "params need to be a object or array"}
	}
	return req, nil
}

func marshalSuccess(id json.RawMessage, result any) ([]byte, error) {
	return json.Marshal(successReply{JSONRPC: Version, Result: result, ID: id})
}

// marshalError builds an error reply; a nil id becomes the null literal.
func marshalError(id json.RawMessage, eo *ErrorObject) ([]byte, error) {
	if id == nil {
		id = nullID
	}
	return json.Marshal(errorReply{JSONRPC: Version, Error: eo, ID: id})
}

func marshalNotification(name string, params any) ([]byte, error) {
	return json.Marshal(notification{Notification: name, Params: params})
}
