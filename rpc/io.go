// File: rpc/io.go
// Package rpc layers bidirectional JSON-RPC 2.0 semantics over any transport
// that can deliver framed message payloads. The transport contract below is
// the only coupling between the dispatcher and the WebSocket endpoints.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/protocol"
)

// ClientHandle is one connected peer as seen by the server dispatcher.
// Implementations must be comparable; the dispatcher keys subscriber sets by
// handle identity.
type ClientHandle interface {
	// ID returns the stable identity assigned at accept time.
	ID() string

	// Send writes one message as a single frame of the given kind.
	Send(data []byte, kind protocol.FrameType) error

	// Shutdown tears the connection down.
	Shutdown()

	// Alive reports whether the connection is still serviceable.
	Alive() bool
}

// ServerIO is the server-side transport: it accepts peers and delivers
// complete message payloads upward.
type ServerIO interface {
	// Accept installs the dispatcher callbacks and arms the listener on its
	// reactor. onRemove fires at most once per accepted peer; a transport
	// may skip it for connections it closes in Shutdown.
	Accept(onAccept func(ClientHandle), onRemove func(ClientHandle), onRecv func(ClientHandle, []byte, protocol.FrameType)) error

	// Shutdown closes the listener and every accepted connection.
	Shutdown()
}

// ClientIO is the client-side transport: one connection to one server.
type ClientIO interface {
	// Recv arms the connection on its reactor. started settles when the
	// opening handshake concludes: resolved on success, rejected on
	// mismatch or transport failure.
	Recv(onRecv func([]byte, protocol.FrameType), started promise.Resolver[promise.Void])

	// Send writes one message as a single frame of the given kind.
	Send(data []byte, kind protocol.FrameType) error

	// Alive reports whether the connection is still registered with its
	// reactor.
	Alive() bool

	// OnDie registers a callback invoked once when the connection dies.
	OnDie(func())

	// Shutdown detaches from the reactor and fires the OnDie callbacks.
	Shutdown()
}
