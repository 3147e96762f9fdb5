// Package flowctl bounds the number of in-flight sends to the capacity of
// the send pool.
//
// Producers reserve capacity for a whole burst before they take slots; the
// completion pump releases it when sends complete. A burst is admitted as a
// unit or not at all, so a large burst cannot be starved by a stream of
// partial admissions and vice versa.
package flowctl

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed        = errors.New("flow controller closed")
	ErrBurstTooLarge = errors.New("burst exceeds send capacity")
	ErrOverRelease   = errors.New("released more than in flight")
)

// Controller is a counting semaphore with all-or-nothing acquisition.
// It is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
	capacity int
	closed   bool
}

// New panics if capacity <= 0.
func New(capacity int) *Controller {
	if capacity <= 0 {
		panic("flowctl: capacity must be > 0")
	}
	c := &Controller{capacity: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Reserve blocks until inFlight+n <= capacity and then adds n.
// It fails immediately with ErrBurstTooLarge if n can never fit, returns
// ctx.Err() if ctx is done first and ErrClosed once Close was called.
func (c *Controller) Reserve(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > c.capacity {
		return ErrBurstTooLarge
	}

	// Wake the waiters when ctx ends so the loop below can observe it.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.inFlight+n <= c.capacity {
			c.inFlight += n
			return nil
		}
		c.cond.Wait()
	}
}

// TryReserve is the non-blocking form of Reserve.
func (c *Controller) TryReserve(n int) bool {
	if n <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.inFlight+n > c.capacity {
		return false
	}
	c.inFlight += n
	return true
}

// Release returns n units and wakes all waiters. Releasing more than is in
// flight clamps the counter at zero and returns ErrOverRelease.
func (c *Controller) Release(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.inFlight -= n
	if c.inFlight < 0 {
		c.inFlight = 0
		err = ErrOverRelease
	}
	c.cond.Broadcast()
	return err
}

// Drain waits until nothing is in flight or timeout passes.
// It reports whether the counter reached zero.
func (c *Controller) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer t.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// Close fails all blocked and future reservations. Release keeps working so
// completions that arrive afterwards are still accounted for.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Controller) Cap() int { return c.capacity }
