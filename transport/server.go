//go:build linux

// File: transport/server.go
// Server listener and per-connection framing state machine. Each accepted
// fd carries its own Buffer and ConnState; all connections share one
// reactor handle.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"bytes"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/codehz/wsrpc/internal/buffer"
	"github.com/codehz/wsrpc/protocol"
	"github.com/codehz/wsrpc/reactor"
	"github.com/codehz/wsrpc/rpc"
)

const readChunk = 64 * 1024

const (
	badRequestResponse = "HTTP/1.1 400 Bad Request\r\nSec-WebSocket-Version: 13\r\n\r\n"
	notFoundResponse   = "HTTP/1.1 404 Not Found\r\n\r\n"
)

type handleResult int

const (
	resultEmpty handleResult = iota
	resultAccept
	resultStopped
)

// Server owns the listening socket and every accepted connection.
type Server struct {
	r        *reactor.Reactor
	addr     *Addr
	fd       int
	tlsCtx   *TLSContext
	subproto string
	msgRate  rate.Limit
	msgBurst int

	mu    sync.Mutex
	conns map[int]*Conn
}

// ServerOption customizes listener construction.
type ServerOption func(*Server)

// WithServerTLS enables TLS termination; required for wss:// addresses.
func WithServerTLS(ctx *TLSContext) ServerOption {
	return func(s *Server) { s.tlsCtx = ctx }
}

// WithProtocol echoes the named subprotocol back to clients that offer it.
func WithProtocol(name string) ServerOption {
	return func(s *Server) { s.subproto = name }
}

// WithMessageRate caps inbound TEXT/BINARY frames per connection with a
// token bucket; frames over budget are dropped before dispatch.
func WithMessageRate(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.msgRate = limit
		s.msgBurst = burst
	}
}

// NewServer parses the address, binds, and listens. The listener is armed
// on the reactor by Accept.
func NewServer(address string, r *reactor.Reactor, opts ...ServerOption) (*Server, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	s := &Server{r: r, addr: addr, fd: -1, conns: make(map[int]*Conn)}
	for _, opt := range opts {
		opt(s)
	}
	if addr.Secure != (s.tlsCtx != nil) {
		return nil, ErrTLSRequired
	}
	fd, err := listenStream(addr)
	if err != nil {
		return nil, err
	}
	s.fd = fd
	return s, nil
}

// Reactor exposes the readiness loop this server runs on.
func (s *Server) Reactor() *reactor.Reactor { return s.r }

// Port reports the bound TCP port, useful with port 0 addresses.
func (s *Server) Port() int { return boundPort(s.fd) }

// Resource reports the request path the listener serves.
func (s *Server) Resource() string { return s.addr.Resource }

// Conn is one accepted connection. It satisfies the dispatcher's
// ClientHandle contract.
type Conn struct {
	srv      *Server
	fd       int
	stream   stream
	id       string
	state    protocol.ConnState
	buf      buffer.Buffer
	limiter  *rate.Limiter
	accepted bool

	wmu  sync.Mutex
	dead bool
}

// ID returns the identity assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Alive reports whether the connection has not been torn down.
func (c *Conn) Alive() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return !c.dead
}

// Send frames data and writes it out. Server frames are unmasked.
func (c *Conn) Send(data []byte, kind protocol.FrameType) error {
	return c.sendRaw(protocol.MakeFrame(kind, data, false))
}

func (c *Conn) sendRaw(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.dead {
		return ErrNotAlive
	}
	_, err := c.stream.Write(frame)
	return err
}

// Shutdown shuts down both directions of the socket; the resulting readiness event drives the
// regular teardown path, so the remove callback still fires.
func (c *Conn) Shutdown() {
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

// Accept installs the dispatcher callbacks and arms the listener. Every
// accepted connection is bound to one shared reactor handle.
func (s *Server) Accept(onAccept func(rpc.ClientHandle), onRemove func(rpc.ClientHandle), onRecv func(rpc.ClientHandle, []byte, protocol.FrameType)) error {
	connHandle := s.r.Reg(func(ev reactor.Event) {
		s.mu.Lock()
		conn := s.conns[ev.Fd]
		s.mu.Unlock()
		if conn == nil {
			return
		}
		if ev.Events&reactor.Err != 0 {
			s.teardown(conn, onRemove)
			return
		}
		if ev.Events&reactor.In != 0 {
			switch conn.handle(onRecv) {
			case resultAccept:
				conn.accepted = true
				onAccept(conn)
			case resultStopped:
				s.teardown(conn, onRemove)
			case resultEmpty:
			}
			return
		}
		// HUP/RDHUP with nothing readable.
		s.teardown(conn, onRemove)
	})

	listenHandle := s.r.Reg(func(ev reactor.Event) {
		if ev.Events&reactor.Err != 0 {
			s.r.Del(s.fd)
			return
		}
		remote, _, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		if err != nil {
			log.Printf("wsrpc: accept: %v", err)
			return
		}
		var st stream = fdStream{fd: remote}
		if s.tlsCtx != nil {
			st, err = wrapTLS(s.tlsCtx, remote, true, "")
			if err != nil {
				// Confined to this connection; the listener stays up.
				log.Printf("wsrpc: tls accept: %v", err)
				return
			}
		}
		conn := &Conn{
			srv:    s,
			fd:     remote,
			stream: st,
			id:     uuid.NewString(),
			state:  protocol.StateOpening,
		}
		if s.msgRate > 0 {
			conn.limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
		}
		s.mu.Lock()
		s.conns[remote] = conn
		s.mu.Unlock()
		if err := s.r.Add(reactor.In|reactor.Err|reactor.Hup|reactor.RdHup, remote, connHandle); err != nil {
			log.Printf("wsrpc: register connection: %v", err)
			s.mu.Lock()
			delete(s.conns, remote)
			s.mu.Unlock()
			conn.markDead()
			st.Close()
		}
	})

	return s.r.Add(reactor.In, s.fd, listenHandle)
}

func (c *Conn) markDead() {
	c.wmu.Lock()
	c.dead = true
	c.wmu.Unlock()
}

// teardown retires a connection: deregister, close, notify. The close is
// deferred past the current dispatch batch so a half-written peer frame in
// the same cycle cannot observe a recycled fd.
func (s *Server) teardown(conn *Conn, onRemove func(rpc.ClientHandle)) {
	s.mu.Lock()
	if s.conns[conn.fd] != conn {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.fd)
	s.mu.Unlock()

	s.r.Del(conn.fd)
	conn.markDead()
	if conn.accepted {
		onRemove(conn)
	}
	s.r.Defer(func() {
		conn.stream.Close()
	})
}

// handle advances the connection state machine by one readable event.
func (c *Conn) handle(onRecv func(rpc.ClientHandle, []byte, protocol.FrameType)) handleResult {
	dst := c.buf.Allocate(readChunk)
	n, err := c.stream.Read(dst)
	if err != nil || n == 0 {
		return resultStopped
	}
	c.buf.Eat(n)

	if c.state == protocol.StateOpening {
		return c.handleHandshake()
	}

	for {
		frame := protocol.ParseFrame(c.buf.Bytes())
		switch frame.Type {
		case protocol.IncompleteFrame:
			return resultEmpty
		case protocol.ErrorFrame:
			if c.state != protocol.StateClosing {
				c.sendRaw(protocol.MakeFrame(protocol.ClosingFrame, nil, false))
				c.state = protocol.StateClosing
			}
			c.buf.Reset()
			return resultEmpty
		case protocol.ClosingFrame:
			if c.state != protocol.StateClosing {
				c.sendRaw(protocol.MakeFrame(protocol.ClosingFrame, nil, false))
			}
			return resultStopped
		case protocol.PingFrame:
			c.sendRaw(protocol.MakeFrame(protocol.PongFrame, frame.Payload, false))
		case protocol.TextFrame, protocol.BinaryFrame:
			if c.limiter == nil || c.limiter.Allow() {
				onRecv(c, frame.Payload, frame.Type)
			}
		}
		c.buf.Drop(frame.Eaten)
		if c.buf.Len() == 0 {
			return resultEmpty
		}
	}
}

func (c *Conn) handleHandshake() handleResult {
	hs := protocol.ParseHandshake(c.buf.Bytes())
	switch hs.Type {
	case protocol.IncompleteFrame:
		return resultEmpty
	case protocol.ErrorFrame:
		c.sendRaw([]byte(badRequestResponse))
		return resultStopped
	}
	if hs.Resource != c.srv.addr.Resource {
		c.sendRaw([]byte(notFoundResponse))
		return resultStopped
	}
	subproto := ""
	if c.srv.subproto != "" {
		for _, offered := range hs.Protocols {
			if offered == c.srv.subproto {
				subproto = offered
				break
			}
		}
	}
	if c.sendRaw(protocol.MakeHandshakeAnswer(hs.Key, subproto)) != nil {
		return resultStopped
	}
	ending := bytes.Index(c.buf.Bytes(), []byte("\r\n\r\n"))
	c.buf.Drop(ending + 4)
	c.state = protocol.StateNormal
	return resultAccept
}

// Shutdown closes the listener and every connection. Connections torn down
// here do not fire the remove callback; the dispatcher is going away with
// them.
func (s *Server) Shutdown() {
	s.r.Del(s.fd)
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[int]*Conn)
	s.mu.Unlock()
	for _, conn := range conns {
		s.r.Del(conn.fd)
		conn.markDead()
		conn.stream.Close()
	}
	if s.addr.Unix {
		unix.Unlink(s.addr.SocketPath)
	}
}
