// File: transport/addr.go
// Address grammar shared by the listener and the client endpoint.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "strings"

// maxUnixPath bounds sun_path including its terminator.
const maxUnixPath = 108

// Addr is a parsed endpoint address.
type Addr struct {
	Secure     bool
	Unix       bool
	Host       string // TCP host, brackets stripped
	Port       string
	SocketPath string // UNIX-domain socket path
	Resource   string // request path, always "/" for UNIX
}

// ParseAddress parses one of the four supported forms:
//
//	ws://host[:port]/path
//	wss://host[:port]/path
//	ws+unix://path
//	wss+unix://path
//
// Hosts may be DNS names, IPv4 literals, or bracketed IPv6 literals.
// Defaults: port 80 for ws, 443 for wss. UNIX paths must fit sun_path.
func ParseAddress(address string) (*Addr, error) {
	a := &Addr{}
	var rest string
	switch {
	case strings.HasPrefix(address, "ws://"):
		rest = address[len("ws://"):]
	case strings.HasPrefix(address, "wss://"):
		a.Secure = true
		rest = address[len("wss://"):]
	case strings.HasPrefix(address, "ws+unix://"):
		a.Unix = true
		rest = address[len("ws+unix://"):]
	case strings.HasPrefix(address, "wss+unix://"):
		a.Secure = true
		a.Unix = true
		rest = address[len("wss+unix://"):]
	default:
		return nil, ErrInvalidAddress
	}

	if a.Unix {
		if rest == "" || len(rest) >= maxUnixPath {
			return nil, ErrInvalidAddress
		}
		a.SocketPath = rest
		a.Resource = "/"
		return a, nil
	}

	end := strings.IndexAny(rest, "[:/")
	if end < 0 {
		return nil, ErrInvalidAddress
	}
	if rest[end] == '[' {
		rb := strings.IndexByte(rest, ']')
		if rb < 0 {
			return nil, ErrInvalidAddress
		}
		a.Host = rest[1:rb]
		rest = rest[rb+1:]
	} else {
		a.Host = rest[:end]
		rest = rest[end:]
	}
	if a.Host == "" {
		return nil, ErrInvalidAddress
	}

	a.Port = "80"
	if a.Secure {
		a.Port = "443"
	}
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return nil, ErrInvalidAddress
		}
		a.Port = rest[:slash]
		if a.Port == "" {
			return nil, ErrInvalidAddress
		}
		rest = rest[slash:]
	}
	if !strings.HasPrefix(rest, "/") {
		return nil, ErrInvalidAddress
	}
	if cut := strings.IndexAny(rest, "?#"); cut >= 0 {
		rest = rest[:cut]
	}
	a.Resource = rest
	return a, nil
}
