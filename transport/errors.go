// File: transport/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "errors"

var (
	// ErrInvalidAddress reports an address outside the supported grammar:
	// ws://host[:port]/path, wss://host[:port]/path, ws+unix://path,
	// wss+unix://path.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrHandshakeFailed reports a server answer that is not a 101 carrying
	// an accept key matching the client's nonce.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrInvalidFrame reports a malformed inbound frame.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrNotAlive reports a send on a dead connection.
	ErrNotAlive = errors.New("connection not alive")

	// ErrTLSRequired reports a wss:// address without a TLS context, or a
	// ws:// address with one.
	ErrTLSRequired = errors.New("address scheme does not match TLS configuration")
)
