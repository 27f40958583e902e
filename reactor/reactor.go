//go:build linux

// File: reactor/reactor.go
// Package reactor implements the single-threaded level-triggered event loop
// every transport runs on. File descriptors are associated with registered
// callback handles; Wait dispatches readiness events until Shutdown is
// signalled through an eventfd.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Event interest and result masks, re-exported so transports do not reach
// into golang.org/x/sys directly.
const (
	In    = uint32(unix.EPOLLIN)
	Out   = uint32(unix.EPOLLOUT)
	Err   = uint32(unix.EPOLLERR)
	Hup   = uint32(unix.EPOLLHUP)
	RdHup = uint32(unix.EPOLLRDHUP)
)

// Event is one readiness notification delivered to a callback.
type Event struct {
	Fd     int
	Events uint32
}

// Callback handles readiness events for the fds bound to its handle.
// Callbacks run to completion on the reactor thread.
type Callback func(Event)

// Reactor owns an epoll instance and the fd-to-handle relation. One handle
// may serve many fds (a server binds all its connections to one handle).
// Removing an fd does not retire the handle.
type Reactor struct {
	epfd   int
	wakeFd int

	mu       sync.Mutex
	handlers map[uint64]Callback
	fds      map[int]uint64
	nextID   uint64
	stopping bool
	deferred *queue.Queue
}

// New creates a reactor with its wake eventfd already registered.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}
	return &Reactor{
		epfd:     epfd,
		wakeFd:   wakeFd,
		handlers: make(map[uint64]Callback),
		fds:      make(map[int]uint64),
		nextID:   1,
		deferred: queue.New(),
	}, nil
}

// Reg stores a callback and returns its dense handle id.
func (r *Reactor) Reg(cb Callback) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = cb
	return id
}

// Add associates fd with a registered handle and the requested interest
// mask.
func (r *Reactor) Add(events uint32, fd int, id uint64) error {
	r.mu.Lock()
	if _, ok := r.handlers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("reactor: unknown handle %d", id)
	}
	r.fds[fd] = id
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.fds, fd)
		r.mu.Unlock()
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Del removes an fd. Safe to call from within a callback; the fd's pending
// events in the current batch are filtered out before invocation.
func (r *Reactor) Del(fd int) error {
	r.mu.Lock()
	_, known := r.fds[fd]
	delete(r.fds, fd)
	r.mu.Unlock()
	if !known {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Has reports whether fd is currently registered.
func (r *Reactor) Has(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fds[fd]
	return ok
}

// Defer queues fn to run on the reactor thread after the current dispatch
// batch, before the next wait cycle.
func (r *Reactor) Defer(fn func()) {
	r.mu.Lock()
	r.deferred.Add(fn)
	r.mu.Unlock()
}

// Wait runs the loop until Shutdown. Events ready in one cycle are
// dispatched in kernel-returned order; an fd removed mid-batch is skipped.
func (r *Reactor) Wait() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFd {
				var drain [8]byte
				unix.Read(r.wakeFd, drain[:])
				continue
			}
			r.mu.Lock()
			id, live := r.fds[fd]
			cb := r.handlers[id]
			r.mu.Unlock()
			if !live || cb == nil {
				continue
			}
			cb(Event{Fd: fd, Events: events[i].Events})
		}
		r.runDeferred()
		r.mu.Lock()
		stopping := r.stopping
		r.mu.Unlock()
		if stopping {
			return nil
		}
	}
}

func (r *Reactor) runDeferred() {
	for {
		r.mu.Lock()
		if r.deferred.Length() == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.deferred.Remove().(func())
		r.mu.Unlock()
		fn()
	}
}

// Shutdown signals the loop from any thread; the next wait cycle observes
// the flag and returns.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(r.wakeFd, buf[:])
}

// Close releases the epoll and wake descriptors. The reactor must not be
// waiting.
func (r *Reactor) Close() error {
	unix.Close(r.wakeFd)
	return unix.Close(r.epfd)
}
