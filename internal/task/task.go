// Package task provides one-shot completion handles and the terminal
// error kinds they settle with.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Terminal failure kinds. Layers add context with fmt.Errorf("...: %w", kind)
// so errors.Is keeps matching at the surface.
var (
	ErrResolution = errors.New("dns resolution failed")
	ErrConnection = errors.New("connect attempts exhausted")
	ErrTimeout    = errors.New("request deadline exceeded")
	ErrNetwork    = errors.New("transport error")
	ErrShutdown   = errors.New("shut down")
	ErrInternal   = errors.New("internal error")
	ErrCancelled  = errors.New("producer abandoned key")
	ErrFetch      = errors.New("upstream fetch failed")
)

// KindOf maps err to the stable label of the kind it wraps, or "" when it
// carries none. Labels feed metrics and status code mapping.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrInternal):
		return "internal"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrFetch):
		return "fetch"
	default:
		return "unknown"
	}
}

// Handle is a one-shot result settled exactly once with a value or an
// error. The discarded flag is independent of settlement: it tells the
// eventual settler that nobody reads the result, so delivery work (the
// observer callback) can be skipped. Wait still unblocks.
type Handle[T any] struct {
	done      chan struct{}
	discarded atomic.Bool

	mu      sync.Mutex
	settled bool
	val     T
	err     error
	observe func(T, error)
}

func New[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// NewFunc attaches an observer invoked on the settler's goroutine once the
// result is committed. The observer must not block; it may re-enter the
// component that settles the handle.
func NewFunc[T any](observe func(T, error)) *Handle[T] {
	h := New[T]()
	h.observe = observe
	return h
}

// Resolve commits v. Reports false if the handle was already settled.
func (h *Handle[T]) Resolve(v T) bool { return h.settle(v, nil) }

// Fail commits err. Reports false if the handle was already settled.
func (h *Handle[T]) Fail(err error) bool {
	if err == nil {
		err = ErrInternal
	}
	var zero T
	return h.settle(zero, err)
}

func (h *Handle[T]) settle(v T, err error) bool {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return false
	}
	h.settled = true
	h.val, h.err = v, err
	observe := h.observe
	h.mu.Unlock()

	close(h.done)
	if observe != nil && !h.discarded.Load() {
		observe(v, err)
	}
	return true
}

// Discard marks the handle as no longer read by anyone.
func (h *Handle[T]) Discard() { h.discarded.Store(true) }

func (h *Handle[T]) Discarded() bool { return h.discarded.Load() }

// Done is closed when the handle settles.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

func (h *Handle[T]) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the committed outcome. Only meaningful after Done.
func (h *Handle[T]) Result() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.val, h.err
}

// Wait blocks until the handle settles or ctx ends. On ctx expiry the
// handle stays live and still settles exactly once later.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
