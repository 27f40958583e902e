//go:build linux

// File: transport/stream.go
// Byte-stream abstraction over a connected socket plus the raw-fd socket
// helpers. TLS sessions slot in behind the same interface (see tls.go).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// stream is what the framing state machine reads from and writes to. Write
// must not return until the whole buffer is on its way.
type stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// fdStream is the plain (non-TLS) stream over a blocking socket.
type fdStream struct {
	fd int
}

func (s fdStream) Read(p []byte) (int, error) {
	return unix.Read(s.fd, p)
}

// Write loops until the buffer is fully written. SIGPIPE surfaces as EPIPE.
func (s fdStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, unix.EPIPE
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (s fdStream) Close() error {
	return unix.Close(s.fd)
}

// resolveSockaddr turns host/port into the first matching sockaddr.
func resolveSockaddr(host, port string) (unix.Sockaddr, int, error) {
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 0xFFFF {
		return nil, 0, ErrInvalidAddress
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, 0, ErrInvalidAddress
	}
	ip := ips[0]
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: portNum}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: portNum}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func addrSockaddr(a *Addr) (unix.Sockaddr, int, error) {
	if a.Unix {
		return &unix.SockaddrUnix{Name: a.SocketPath}, unix.AF_UNIX, nil
	}
	return resolveSockaddr(a.Host, a.Port)
}

// listenStream binds and listens a STREAM socket for the address. A stale
// UNIX socket file is unlinked before bind; TCP listeners get SO_REUSEADDR.
func listenStream(a *Addr) (int, error) {
	sa, family, err := addrSockaddr(a)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if a.Unix {
		unix.Unlink(a.SocketPath)
	} else if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 255); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// connectStream opens a blocking connection to the address.
func connectStream(a *Addr) (int, error) {
	sa, family, err := addrSockaddr(a)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

// boundPort reports the local port of a bound TCP fd, for listeners bound
// to port 0.
func boundPort(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port
	case *unix.SockaddrInet6:
		return v.Port
	}
	return 0
}
