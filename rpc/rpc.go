// File: rpc/rpc.go
// Server-side dispatcher: method and regex-proxy tables, sync and
// promise-returning handler variants, and the rpc.on/rpc.off pub/sub
// built-ins.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/protocol"
)

// Handler is the synchronous variant: its error return is translated by the
// exception taxonomy, its value becomes the result member.
type Handler func(client ClientHandle, params any) (any, error)

// AsyncHandler returns a promise; the reply is sent on settlement.
type AsyncHandler func(client ClientHandle, params any) *promise.Promise[any]

// ProxyHandler serves regex-matched methods. matches is the full submatch
// slice: matches[0] is the text the expression matched (the whole method
// name only when the expression is anchored at both ends), matches[1:] the
// capture groups.
type ProxyHandler func(client ClientHandle, matches []string, params any) (any, error)

// AsyncProxyHandler is the promise-returning proxy variant.
type AsyncProxyHandler func(client ClientHandle, matches []string, params any) *promise.Promise[any]

// Callbacks receives transport-level events the dispatcher does not consume
// itself. Embed NopCallbacks to implement a subset.
type Callbacks interface {
	OnAccept(client ClientHandle)
	OnRemove(client ClientHandle)
	OnBinary(client ClientHandle, data []byte)
}

// NopCallbacks ignores every event.
type NopCallbacks struct{}

func (NopCallbacks) OnAccept(ClientHandle)         {}
func (NopCallbacks) OnRemove(ClientHandle)         {}
func (NopCallbacks) OnBinary(ClientHandle, []byte) {}

type methodVariant struct {
	sync  Handler
	async AsyncHandler
}

type proxyVariant struct {
	re    *regexp.Regexp
	sync  ProxyHandler
	async AsyncProxyHandler
	id    uint64
}

// RPC is the server dispatcher over one ServerIO. All table mutation happens
// under mu; handler invocation and sends run outside it so handlers may call
// Emit or Register without deadlocking.
type RPC struct {
	mu          sync.Mutex
	io          ServerIO
	cb          Callbacks
	methods     map[string]methodVariant
	proxies     []proxyVariant
	nextProxyID uint64
	events      []string
	subs        map[string]map[ClientHandle]struct{}
}

// Option customizes dispatcher construction.
type Option func(*RPC)

// WithCallbacks installs the transport event receiver.
func WithCallbacks(cb Callbacks) Option {
	return func(r *RPC) { r.cb = cb }
}

// New builds a dispatcher over io and registers the rpc.on / rpc.off
// built-ins.
func New(io ServerIO, opts ...Option) *RPC {
	r := &RPC{
		io:      io,
		cb:      NopCallbacks{},
		methods: make(map[string]methodVariant),
		subs:    make(map[string]map[ClientHandle]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register("rpc.on", r.builtinOn)
	r.Register("rpc.off", r.builtinOff)
	return r
}

// Transport exposes the underlying server endpoint.
func (r *RPC) Transport() ServerIO { return r.io }

// Register installs a synchronous handler under an exact method name.
func (r *RPC) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = methodVariant{sync: h}
}

// RegisterAsync installs a promise-returning handler under an exact name.
func (r *RPC) RegisterAsync(name string, h AsyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = methodVariant{async: h}
}

// RegisterProxy installs a regex-matched handler. Proxies are consulted in
// registration order after the exact table misses; the returned id feeds
// UnregisterProxy.
func (r *RPC) RegisterProxy(re *regexp.Regexp, h ProxyHandler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextProxyID++
	r.proxies = append(r.proxies, proxyVariant{re: re, sync: h, id: r.nextProxyID})
	return r.nextProxyID
}

// RegisterProxyAsync is the promise-returning proxy registration.
func (r *RPC) RegisterProxyAsync(re *regexp.Regexp, h AsyncProxyHandler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextProxyID++
	r.proxies = append(r.proxies, proxyVariant{re: re, async: h, id: r.nextProxyID})
	return r.nextProxyID
}

// Unregister removes an exact-name handler.
func (r *RPC) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// UnregisterProxy removes the proxy registered under id.
func (r *RPC) UnregisterProxy(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.proxies {
		if p.id == id {
			r.proxies = append(r.proxies[:i], r.proxies[i+1:]...)
			return
		}
	}
}

// Event declares a server event name clients may subscribe to.
func (r *RPC) Event(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

// Emit serialises the notification envelope once and delivers it to every
// live subscriber of name. Dead subscribers found during the sweep are
// pruned; per-connection send failures are not reported.
func (r *RPC) Emit(name string, data any) error {
	payload, err := marshalNotification(name, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	set := r.subs[name]
	targets := make([]ClientHandle, 0, len(set))
	for client := range set {
		if !client.Alive() {
			delete(set, client)
			continue
		}
		targets = append(targets, client)
	}
	r.mu.Unlock()
	for _, client := range targets {
		client.Send(payload, protocol.TextFrame)
	}
	return nil
}

// Start installs the dispatcher on the transport. The caller then runs the
// reactor loop.
func (r *RPC) Start() error {
	return r.io.Accept(r.onAccept, r.onRemove, r.incoming)
}

// Stop shuts the transport down and every connection drops. Subscriber
// entries are pruned only for connections the transport reports through
// onRemove; transport.Server does not report the connections it closes in
// Shutdown, and Emit skips those because they are no longer Alive.
func (r *RPC) Stop() {
	r.io.Shutdown()
}

func (r *RPC) onAccept(client ClientHandle) {
	r.cb.OnAccept(client)
}

func (r *RPC) onRemove(client ClientHandle) {
	r.mu.Lock()
	for _, set := range r.subs {
		delete(set, client)
	}
	r.mu.Unlock()
	r.cb.OnRemove(client)
}

func (r *RPC) eventKnown(name string) bool {
	for _, ev := range r.events {
		if ev == name {
			return true
		}
	}
	return false
}

func (r *RPC) builtinOn(client ClientHandle, params any) (any, error) {
	names, err := eventNameList(params)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(names))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if !r.eventKnown(name) {
			result[name] = "provided event invalid"
			continue
		}
		set := r.subs[name]
		if set == nil {
			set = make(map[ClientHandle]struct{})
			r.subs[name] = set
		}
		set[client] = struct{}{}
		result[name] = "ok"
	}
	return result, nil
}

func (r *RPC) builtinOff(client ClientHandle, params any) (any, error) {
	names, err := eventNameList(params)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(names))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if !r.eventKnown(name) {
			result[name] = "provided event invalid"
			continue
		}
		if _, subscribed := r.subs[name][client]; subscribed {
			delete(r.subs[name], client)
			result[name] = "ok"
		} else {
			result[name] = "not subscribed"
		}
	}
	return result, nil
}

// eventNameList validates the rpc.on / rpc.off params shape: an array of
// strings.
func eventNameList(params any) ([]string, error) {
	items, ok := params.([]any)
	if !ok {
		return nil, ErrInvalidParams
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, ErrInvalidParams
		}
		names = append(names, name)
	}
	return names, nil
}

// incoming handles one delivered payload: binary frames go to the callback,
// text frames run the full request pipeline.
func (r *RPC) incoming(client ClientHandle, data []byte, kind protocol.FrameType) {
	if kind == protocol.BinaryFrame {
		r.cb.OnBinary(client, data)
		return
	}
	req, topErr := parseRequest(data)
	if topErr != nil {
		// Top-level faults reply unconditionally; the id may be unknown.
		r.replyError(client, req.ID, topErr)
		return
	}

	r.mu.Lock()
	variant, exact := r.methods[req.Method]
	var proxy proxyVariant
	var matches []string
	if !exact {
		for _, p := range r.proxies {
			if m := p.re.FindStringSubmatch(req.Method); m != nil {
				proxy = p
				matches = m
				break
			}
		}
	}
	r.mu.Unlock()

	switch {
	case exact && variant.sync != nil:
		result, err := invoke(func() (any, error) { return variant.sync(client, req.Params) })
		r.finish(client, req, result, err)
	case exact && variant.async != nil:
		r.finishAsync(client, req, variant.async(client, req.Params))
	case matches != nil && proxy.sync != nil:
		result, err := invoke(func() (any, error) { return proxy.sync(client, matches, req.Params) })
		r.finish(client, req, result, err)
	case matches != nil && proxy.async != nil:
		r.finishAsync(client, req, proxy.async(client, matches, req.Params))
	default:
		if req.HasID {
			r.replyError(client, req.ID, &ErrorObject{Code: CodeMethodNotFound, Message: "method not found"})
		}
	}
}

// invoke runs a handler, converting a panic into an ordinary fault the
// taxonomy can translate.
func invoke(fn func() (any, error)) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", rec)
		}
	}()
	return fn()
}

func (r *RPC) finish(client ClientHandle, req request, result any, err error) {
	if !req.HasID {
		return
	}
	if err != nil {
		r.replyError(client, req.ID, handleException(err))
		return
	}
	if payload, merr := marshalSuccess(req.ID, result); merr == nil {
		client.Send(payload, protocol.TextFrame)
	} else {
		r.replyError(client, req.ID, handleException(merr))
	}
}

func (r *RPC) finishAsync(client ClientHandle, req request, pr *promise.Promise[any]) {
	if pr == nil {
		r.finish(client, req, nil, nil)
		return
	}
	pr.Then(func(result any) {
		r.finish(client, req, result, nil)
	})
	pr.Fail(func(err error) {
		r.finish(client, req, nil, err)
	})
}

func (r *RPC) replyError(client ClientHandle, id json.RawMessage, eo *ErrorObject) {
	if payload, err := marshalError(id, eo); err == nil {
		client.Send(payload, protocol.TextFrame)
	}
}
