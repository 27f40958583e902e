// File: rpc/client.go
// Client-side dispatcher: correlation-id bookkeeping for in-flight calls,
// notification listeners, and the rpc.on / rpc.off subscription helpers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"encoding/json"
	"sync"

	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/protocol"
)

// DataHandler receives the params of one pushed notification.
type DataHandler func(params any)

// ClientCallbacks receives traffic the dispatcher does not consume. Embed
// NopClientCallbacks to implement a subset.
type ClientCallbacks interface {
	OnBinary(data []byte)
}

// NopClientCallbacks ignores every event.
type NopClientCallbacks struct{}

func (NopClientCallbacks) OnBinary([]byte) {}

// Client speaks JSON-RPC over one ClientIO connection.
type Client struct {
	mu        sync.Mutex
	io        ClientIO
	cb        ClientCallbacks
	listeners map[string]DataHandler
	inflight  map[uint32]promise.Resolver[any]
	// lastID wraps at the uint32 boundary; with any realistic number of
	// in-flight calls (far below 2^32) a collision cannot occur.
	lastID uint32
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithClientCallbacks installs the binary traffic receiver.
func WithClientCallbacks(cb ClientCallbacks) ClientOption {
	return func(c *Client) { c.cb = cb }
}

// NewClient builds a client dispatcher over io.
func NewClient(io ClientIO, opts ...ClientOption) *Client {
	c := &Client{
		io:        io,
		cb:        NopClientCallbacks{},
		listeners: make(map[string]DataHandler),
		inflight:  make(map[uint32]promise.Resolver[any]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport exposes the underlying client endpoint, e.g. to register OnDie
// callbacks.
func (c *Client) Transport() ClientIO { return c.io }

// Start arms the connection; the returned promise settles when the opening
// handshake concludes. The caller then runs the reactor loop.
func (c *Client) Start() *promise.Promise[promise.Void] {
	return promise.New(func(started promise.Resolver[promise.Void]) {
		c.io.Recv(c.incoming, started)
	})
}

// Stop closes the transport. In-flight resolvers are abandoned, not
// rejected; their promises never settle.
func (c *Client) Stop() {
	c.io.Shutdown()
}

type outboundRequest struct {
	JSONRPC string  `json:"jsonrpc"`
	Method  string  `json:"method"`
	Params  any     `json:"params"`
	ID      *uint32 `json:"id,omitempty"`
}

// Call sends a request and returns the promise of its reply.
func (c *Client) Call(name string, params any) *promise.Promise[any] {
	return promise.New(func(res promise.Resolver[any]) {
		c.mu.Lock()
		c.lastID++
		id := c.lastID
		c.inflight[id] = res
		c.mu.Unlock()

		payload, err := json.Marshal(outboundRequest{JSONRPC: Version, Method: name, Params: params, ID: &id})
		if err == nil {
			err = c.io.Send(payload, protocol.TextFrame)
		}
		if err != nil {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
			res.Reject(err)
		}
	})
}

// Notify sends a fire-and-forget request: no id, never a reply.
func (c *Client) Notify(name string, params any) error {
	payload, err := json.Marshal(outboundRequest{JSONRPC: Version, Method: name, Params: params})
	if err != nil {
		return err
	}
	return c.io.Send(payload, protocol.TextFrame)
}

// On registers a local listener for name and subscribes on the server. The
// promise resolves true iff the server acknowledged with "ok".
func (c *Client) On(name string, fn DataHandler) *promise.Promise[bool] {
	c.mu.Lock()
	c.listeners[name] = fn
	c.mu.Unlock()
	return promise.Map(c.Call("rpc.on", []any{name}), subscriptionOK(name))
}

// Off removes the local listener and unsubscribes on the server.
func (c *Client) Off(name string) *promise.Promise[bool] {
	c.mu.Lock()
	delete(c.listeners, name)
	c.mu.Unlock()
	return promise.Map(c.Call("rpc.off", []any{name}), subscriptionOK(name))
}

// subscriptionOK checks the object-form result keyed by event name.
func subscriptionOK(name string) func(any) (bool, error) {
	return func(ret any) (bool, error) {
		obj, ok := ret.(map[string]any)
		if !ok {
			return false, nil
		}
		return obj[name] == "ok", nil
	}
}

// incoming routes one delivered payload: notification envelopes go to the
// local listener, replies to their in-flight resolver. Anything else is
// dropped.
func (c *Client) incoming(data []byte, kind protocol.FrameType) {
	if kind == protocol.BinaryFrame {
		c.cb.OnBinary(data)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}

	if nameRaw, ok := fields["notification"]; ok {
		var name string
		if json.Unmarshal(nameRaw, &name) != nil {
			return
		}
		c.mu.Lock()
		fn := c.listeners[name]
		c.mu.Unlock()
		if fn != nil {
			var params any
			json.Unmarshal(fields["params"], &params)
			fn(params)
		}
		return
	}

	idRaw, ok := fields["id"]
	if !ok {
		return
	}
	var id uint32
	if json.Unmarshal(idRaw, &id) != nil {
		return
	}
	c.mu.Lock()
	res, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if errRaw, failed := fields["error"]; failed {
		var eo ErrorObject
		if json.Unmarshal(errRaw, &eo) != nil {
			eo = ErrorObject{Code: CodeInternalError, Message: "malformed error object"}
		}
		res.Reject(&RemoteError{Code: eo.Code, Message: eo.Message, Data: eo.Data})
		return
	}
	var result any
	json.Unmarshal(fields["result"], &result)
	res.Resolve(result)
}
