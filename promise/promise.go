// File: promise/promise.go
// Package promise implements the single-shot completion carrier the RPC
// layer hands out for calls and startup. A promise is eager: its executor
// runs at construction, and settlement is delivered to whichever success or
// failure handler is attached, immediately if the promise already settled.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package promise

import "sync"

// Void is the value type of promises that only signal completion.
type Void = struct{}

// Promise carries either a value of type T or an error, delivered exactly
// once. The success branch has one downstream consumer: attaching a second
// Then replaces the first.
type Promise[T any] struct {
	mu        sync.Mutex
	settled   bool
	delivered bool
	ok        bool
	value     T
	err       error
	then      func(T)
	fail      func(error)
}

// Resolver settles a promise from wherever the result eventually appears,
// typically a reactor callback.
type Resolver[T any] struct {
	p *Promise[T]
}

// New constructs a promise and immediately runs the executor with its
// resolver. The executor may settle synchronously or retain the resolver.
func New[T any](executor func(Resolver[T])) *Promise[T] {
	p := &Promise[T]{}
	executor(Resolver[T]{p})
	return p
}

// Resolved returns a promise already settled with value.
func Resolved[T any](value T) *Promise[T] {
	return New(func(r Resolver[T]) { r.Resolve(value) })
}

// Rejected returns a promise already settled with err.
func Rejected[T any](err error) *Promise[T] {
	return New(func(r Resolver[T]) { r.Reject(err) })
}

// Resolve settles the promise successfully. Later settlement attempts are
// ignored.
func (r Resolver[T]) Resolve(value T) {
	p := r.p
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.ok = true
	p.value = value
	fn := p.then
	if fn != nil {
		p.delivered = true
	}
	p.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

// Reject settles the promise with an error. Later settlement attempts are
// ignored.
func (r Resolver[T]) Reject(err error) {
	p := r.p
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.err = err
	fn := p.fail
	if fn != nil {
		p.delivered = true
	}
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Then attaches (or replaces) the success handler. If the promise already
// resolved and nothing consumed the value yet, fn runs immediately.
func (p *Promise[T]) Then(fn func(T)) *Promise[T] {
	p.mu.Lock()
	p.then = fn
	run := p.settled && p.ok && !p.delivered
	if run {
		p.delivered = true
	}
	value := p.value
	p.mu.Unlock()
	if run {
		fn(value)
	}
	return p
}

// Fail attaches (or replaces) the failure handler, mirroring Then.
func (p *Promise[T]) Fail(fn func(error)) *Promise[T] {
	p.mu.Lock()
	p.fail = fn
	run := p.settled && !p.ok && !p.delivered
	if run {
		p.delivered = true
	}
	err := p.err
	p.mu.Unlock()
	if run {
		fn(err)
	}
	return p
}

// Map derives a Promise[R] by transforming the success value. A transform
// error becomes a rejection; the source's rejection propagates unchanged.
func Map[T, R any](p *Promise[T], fn func(T) (R, error)) *Promise[R] {
	return New(func(next Resolver[R]) {
		p.Then(func(value T) {
			out, err := fn(value)
			if err != nil {
				next.Reject(err)
				return
			}
			next.Resolve(out)
		})
		p.Fail(func(err error) { next.Reject(err) })
	})
}

// FlatMap derives a Promise[R] from a transform that itself returns a
// promise, flattening one level.
func FlatMap[T, R any](p *Promise[T], fn func(T) *Promise[R]) *Promise[R] {
	return New(func(next Resolver[R]) {
		p.Then(func(value T) {
			inner := fn(value)
			inner.Then(func(out R) { next.Resolve(out) })
			inner.Fail(func(err error) { next.Reject(err) })
		})
		p.Fail(func(err error) { next.Reject(err) })
	})
}

// MapAll applies fn to every element and resolves with all results in input
// order once each inner promise resolved. The first rejection rejects the
// whole.
func MapAll[T, R any](items []T, fn func(T) *Promise[R]) *Promise[[]R] {
	return New(func(next Resolver[[]R]) {
		if len(items) == 0 {
			next.Resolve(nil)
			return
		}
		results := make([]R, len(items))
		var mu sync.Mutex
		remaining := len(items)
		for i, item := range items {
			i := i
			inner := fn(item)
			inner.Then(func(out R) {
				mu.Lock()
				results[i] = out
				remaining--
				done := remaining == 0
				mu.Unlock()
				if done {
					next.Resolve(results)
				}
			})
			inner.Fail(func(err error) { next.Reject(err) })
		}
	})
}

// MapAny applies fn to every element; the first resolution wins. It rejects
// only after every inner promise failed, with the last error seen.
func MapAny[T, R any](items []T, fn func(T) *Promise[R]) *Promise[R] {
	return New(func(next Resolver[R]) {
		if len(items) == 0 {
			next.Reject(ErrNoneResolved)
			return
		}
		var mu sync.Mutex
		remaining := len(items)
		for _, item := range items {
			inner := fn(item)
			inner.Then(func(out R) { next.Resolve(out) })
			inner.Fail(func(err error) {
				mu.Lock()
				remaining--
				done := remaining == 0
				mu.Unlock()
				if done {
					next.Reject(err)
				}
			})
		}
	})
}
