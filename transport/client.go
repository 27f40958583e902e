//go:build linux

// File: transport/client.go
// Client endpoint: connect, send the upgrade request with a random nonce,
// validate the 101 answer, then run the masked framing loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/codehz/wsrpc/internal/buffer"
	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/protocol"
	"github.com/codehz/wsrpc/reactor"
)

// WSClient is one connection to a server. Outgoing frames are masked with a
// fresh random key per frame, as the client half of the codec requires.
type WSClient struct {
	r      *reactor.Reactor
	addr   *Addr
	fd     int
	stream stream
	key    string
	buf    buffer.Buffer
	state  protocol.ConnState

	mu    sync.Mutex
	dead  bool
	ondie []func()
}

// ClientOption customizes connection establishment.
type ClientOption func(*clientConfig)

type clientConfig struct {
	tlsCtx *TLSContext
}

// WithClientTLS enables TLS; required for wss:// addresses.
func WithClientTLS(ctx *TLSContext) ClientOption {
	return func(c *clientConfig) { c.tlsCtx = ctx }
}

// NewClient connects to the address, performs the TLS handshake when
// configured, and sends the WebSocket upgrade request. The 101 answer is
// consumed later by Recv on the reactor.
func NewClient(address string, r *reactor.Reactor, opts ...ClientOption) (*WSClient, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if addr.Secure != (cfg.tlsCtx != nil) {
		return nil, ErrTLSRequired
	}
	fd, err := connectStream(addr)
	if err != nil {
		return nil, err
	}
	var st stream = fdStream{fd: fd}
	if cfg.tlsCtx != nil {
		st, err = wrapTLS(cfg.tlsCtx, fd, false, addr.Host)
		if err != nil {
			return nil, err
		}
	}

	var nonce [16]byte
	rand.Read(nonce[:])
	c := &WSClient{
		r:      r,
		addr:   addr,
		fd:     fd,
		stream: st,
		key:    base64.StdEncoding.EncodeToString(nonce[:]),
		state:  protocol.StateOpening,
	}
	request := protocol.MakeHandshake(protocol.Handshake{
		Host:     addr.Host,
		Origin:   addr.Host,
		Key:      c.key,
		Resource: addr.Resource,
	})
	if _, err := c.stream.Write(request); err != nil {
		c.stream.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return c, nil
}

// Reactor exposes the readiness loop this client runs on.
func (c *WSClient) Reactor() *reactor.Reactor { return c.r }

// Recv arms the connection. started settles once: resolved when the 101
// answer validates, rejected on handshake mismatch or transport failure.
func (c *WSClient) Recv(onRecv func([]byte, protocol.FrameType), started promise.Resolver[promise.Void]) {
	id := c.r.Reg(func(ev reactor.Event) {
		if ev.Events&reactor.Err != 0 {
			c.Shutdown()
			started.Reject(fmt.Errorf("socket error on %s", c.addr.Host))
			return
		}
		dst := c.buf.Allocate(readChunk)
		n, err := c.stream.Read(dst)
		if err != nil {
			c.Shutdown()
			started.Reject(fmt.Errorf("recv: %w", err))
			return
		}
		if n == 0 {
			c.Shutdown()
			started.Reject(fmt.Errorf("recv: connection closed"))
			return
		}
		c.buf.Eat(n)

		if c.state == protocol.StateOpening {
			switch protocol.ParseHandshakeAnswer(c.buf.Bytes(), c.key) {
			case protocol.IncompleteFrame:
				return
			case protocol.OpeningFrame:
				c.state = protocol.StateNormal
				c.buf.Reset()
				started.Resolve(promise.Void{})
			default:
				c.Shutdown()
				started.Reject(ErrHandshakeFailed)
			}
			return
		}

		for {
			frame := protocol.ParseServerFrame(c.buf.Bytes())
			switch frame.Type {
			case protocol.IncompleteFrame:
				return
			case protocol.ErrorFrame:
				c.Shutdown()
				started.Reject(ErrInvalidFrame)
				return
			case protocol.ClosingFrame:
				c.Shutdown()
				return
			case protocol.PingFrame:
				c.send(protocol.MakeFrame(protocol.PongFrame, frame.Payload, true))
			case protocol.TextFrame, protocol.BinaryFrame:
				onRecv(frame.Payload, frame.Type)
			}
			c.buf.Drop(frame.Eaten)
			if c.buf.Len() == 0 {
				return
			}
		}
	})
	c.r.Add(reactor.In|reactor.Err|reactor.Hup|reactor.RdHup, c.fd, id)
}

// Send frames data with masking and writes it out.
func (c *WSClient) Send(data []byte, kind protocol.FrameType) error {
	return c.send(protocol.MakeFrame(kind, data, true))
}

func (c *WSClient) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return ErrNotAlive
	}
	_, err := c.stream.Write(frame)
	return err
}

// Alive reports whether the connection is still registered with the
// reactor.
func (c *WSClient) Alive() bool {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	return !dead && c.r.Has(c.fd)
}

// OnDie registers a callback fired once when the connection dies, whether
// by peer CLOSE, socket error, or local Shutdown.
func (c *WSClient) OnDie(fn func()) {
	c.mu.Lock()
	c.ondie = append(c.ondie, fn)
	c.mu.Unlock()
}

// Shutdown detaches from the reactor, closes the stream, and fires the
// OnDie callbacks. Idempotent.
func (c *WSClient) Shutdown() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	cbs := make([]func(), len(c.ondie))
	copy(cbs, c.ondie)
	c.mu.Unlock()

	c.r.Del(c.fd)
	c.stream.Close()
	for _, fn := range cbs {
		fn()
	}
}
