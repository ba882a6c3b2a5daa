// Package rpc correlates outbound requests with their inbound
// responses/errors. Shaped like the concurrent-bookkeeping idiom in
// pkg/network.Network.Scan (a mutex-guarded map populated by
// goroutines, drained by the caller) generalized from "one SDO
// round-trip per node id" to "one waiter per (service, method,
// session)", with the blocking wait itself expressed as a buffered
// channel plus context deadline rather than Scan's WaitGroup, since
// here only one response is ever expected per waiter.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/arunj123/gosomeip/pkg/wire"
)

// ErrTimeout is returned by Wait when the deadline elapses before a
// response or error arrives.
var ErrTimeout = errors.New("rpc: timeout waiting for response")

// ErrCancelled is returned by Wait when the correlator is shut down
// while a waiter is still pending.
var ErrCancelled = errors.New("rpc: cancelled")

// Key identifies a single in-flight request.
type Key struct {
	ServiceID uint16
	MethodID  uint16
	SessionID uint16
}

// Result is what a waiter eventually receives: a successful payload, or
// an error-kind identifier carried by a SOME/IP ERROR message.
type Result struct {
	Payload    []byte
	ReturnCode wire.ReturnCode
	IsError    bool
}

type outcome struct {
	res Result
	err error
}

type waiter struct {
	ch chan outcome
}

// Correlator tracks pending requests keyed by (service, method, session)
// and delivers exactly one of {response, error, timeout, cancellation}
// to each waiter.
type Correlator struct {
	mu      sync.Mutex
	waiters map[Key]*waiter
	logger  *slog.Logger
}

// New returns an empty Correlator. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		waiters: make(map[Key]*waiter),
		logger:  logger.With("component", "rpc"),
	}
}

// Register allocates a waiter for key before the request is sent, so a
// reply racing the send is never missed. The caller must eventually call
// Wait or Forget.
func (c *Correlator) Register(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[key] = &waiter{ch: make(chan outcome, 1)}
}

// Wait blocks until a response arrives for key, ctx is cancelled, or
// ctx's deadline elapses. It always removes the waiter before returning.
func (c *Correlator) Wait(ctx context.Context, key Key) (Result, error) {
	c.mu.Lock()
	w, ok := c.waiters[key]
	c.mu.Unlock()
	if !ok {
		return Result{}, errors.New("rpc: no waiter registered for key")
	}

	select {
	case o := <-w.ch:
		return o.res, o.err
	case <-ctx.Done():
		c.Forget(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, ErrCancelled
	}
}

// Deliver resolves the waiter for key with res. It is a no-op if no
// waiter is registered (late or duplicate reply) or if the waiter
// already received a result.
func (c *Correlator) Deliver(key Key, res Result) bool {
	c.mu.Lock()
	w, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- outcome{res: res}:
		return true
	default:
		return false
	}
}

// Forget removes the waiter for key without delivering a result, e.g.
// after REQUEST_NO_RETURN or an explicit cancel.
func (c *Correlator) Forget(key Key) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

// Shutdown cancels every pending waiter, delivering ErrCancelled-style
// semantics to each blocked caller instead of letting it hang.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[Key]*waiter)
	c.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- outcome{err: ErrCancelled}:
		default:
		}
	}
}

// Pending returns the number of outstanding waiters, for metrics/tests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
