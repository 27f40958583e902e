package rpc_test

import (
	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/protocol"
	"github.com/codehz/wsrpc/rpc"
)

// fakeConn is an in-memory ClientHandle recording everything sent to it.
type fakeConn struct {
	id    string
	dead  bool
	sent  []string
	kinds []protocol.FrameType
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte, kind protocol.FrameType) error {
	c.sent = append(c.sent, string(data))
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *fakeConn) Shutdown()   { c.dead = true }
func (c *fakeConn) Alive() bool { return !c.dead }

// fakeServerIO lets tests play the transport: connect fake peers and inject
// payloads.
type fakeServerIO struct {
	onAccept func(rpc.ClientHandle)
	onRemove func(rpc.ClientHandle)
	onRecv   func(rpc.ClientHandle, []byte, protocol.FrameType)
	down     bool
}

func (io *fakeServerIO) Accept(onAccept func(rpc.ClientHandle), onRemove func(rpc.ClientHandle), onRecv func(rpc.ClientHandle, []byte, protocol.FrameType)) error {
	io.onAccept = onAccept
	io.onRemove = onRemove
	io.onRecv = onRecv
	return nil
}

func (io *fakeServerIO) Shutdown() { io.down = true }

func (io *fakeServerIO) connect(id string) *fakeConn {
	c := &fakeConn{id: id}
	io.onAccept(c)
	return c
}

func (io *fakeServerIO) text(c *fakeConn, payload string) {
	io.onRecv(c, []byte(payload), protocol.TextFrame)
}

func (io *fakeServerIO) binary(c *fakeConn, payload []byte) {
	io.onRecv(c, payload, protocol.BinaryFrame)
}

func (io *fakeServerIO) drop(c *fakeConn) {
	c.dead = true
	io.onRemove(c)
}

// fakeClientIO is the client-side counterpart.
type fakeClientIO struct {
	onRecv  func([]byte, protocol.FrameType)
	started promise.Resolver[promise.Void]
	sent    []string
	dead    bool
	ondie   []func()
}

func (io *fakeClientIO) Recv(onRecv func([]byte, protocol.FrameType), started promise.Resolver[promise.Void]) {
	io.onRecv = onRecv
	io.started = started
}

func (io *fakeClientIO) Send(data []byte, kind protocol.FrameType) error {
	io.sent = append(io.sent, string(data))
	return nil
}

func (io *fakeClientIO) Alive() bool { return !io.dead }

func (io *fakeClientIO) OnDie(fn func()) { io.ondie = append(io.ondie, fn) }

func (io *fakeClientIO) Shutdown() {
	if io.dead {
		return
	}
	io.dead = true
	for _, fn := range io.ondie {
		fn()
	}
}

func (io *fakeClientIO) text(payload string) {
	io.onRecv([]byte(payload), protocol.TextFrame)
}
