//go:build linux

// File: transport/tls.go
// TLS as a pluggable wrapper over the byte stream: the session is
// established once at accept/connect and the framing state machine sits
// above it unchanged.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
)

// TLSContext holds the session configuration for one side.
type TLSContext struct {
	config *tls.Config
}

// NewServerTLSContext loads a PEM certificate/key pair for the listener.
func NewServerTLSContext(certFile, keyFile string) (*TLSContext, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &TLSContext{config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
}

// NewClientTLSContext builds a verifying client context.
func NewClientTLSContext() *TLSContext {
	return &TLSContext{config: &tls.Config{}}
}

// NewInsecureClientTLSContext skips certificate verification, for
// self-signed development endpoints.
func NewInsecureClientTLSContext() *TLSContext {
	return &TLSContext{config: &tls.Config{InsecureSkipVerify: true}}
}

// tlsStream routes reads and writes through the TLS session. The original
// fd stays open for reactor registration; file owns it, conn owns the dup
// created by net.FileConn.
type tlsStream struct {
	conn *tls.Conn
	file *os.File
}

func (s *tlsStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tlsStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *tlsStream) Close() error {
	s.conn.Close()
	return s.file.Close()
}

// wrapTLS performs the handshake over an already connected fd. serverSide
// selects accept versus connect; serverName feeds SNI and verification on
// the client side. The fd is consumed either way: on error it is closed
// before returning.
func wrapTLS(ctx *TLSContext, fd int, serverSide bool, serverName string) (stream, error) {
	file := os.NewFile(uintptr(fd), "wsrpc-tls")
	netConn, err := net.FileConn(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("file conn: %w", err)
	}
	var conn *tls.Conn
	if serverSide {
		conn = tls.Server(netConn, ctx.config)
	} else {
		config := ctx.config.Clone()
		if config.ServerName == "" {
			config.ServerName = serverName
		}
		conn = tls.Client(netConn, config)
	}
	if err := conn.Handshake(); err != nil {
		conn.Close()
		file.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &tlsStream{conn: conn, file: file}, nil
}
