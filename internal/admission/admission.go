// Package admission bounds how many Sessions may exist at once. Waiters are
// served strictly first-come first-served.
package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/model"
)

// ErrTicketReleased is returned by a second Release of the same Ticket.
var ErrTicketReleased = errors.New("admission: ticket already released")

type Stats struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
	Waiting  int `json:"waiting"`
}

// Controller is a FIFO counting semaphore whose capacity can change at runtime.
// Its counter is the only state shared between request goroutines.
type Controller struct {
	logger *zap.Logger

	mu       sync.Mutex
	capacity int
	active   int
	waiters  list.List // of *waiter, front is served first
	nextID   uint64
}

type waiter struct {
	ready chan struct{} // closed under mu once a slot is handed over
}

// Ticket proves one unit of capacity is held. Release it exactly once.
type Ticket struct {
	ID         uint64
	AcquiredAt time.Time
	Waited     time.Duration

	c        *Controller
	released atomic.Bool
}

// New returns a Controller with capacity slots. Capacities below 1 are raised to 1.
func New(capacity int, logger *zap.Logger) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{capacity: capacity, logger: logger}
}

// Acquire blocks until a slot is free, timeout elapses, or ctx ends. A
// timeout <= 0 leaves the wait bounded by ctx alone. Acquisition is atomic
// with ticket issuance: an error means no slot is held.
func (c *Controller) Acquire(ctx context.Context, timeout time.Duration) (*Ticket, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	c.mu.Lock()
	if c.active < c.capacity && c.waiters.Len() == 0 {
		c.active++
		t := c.ticketLocked(start)
		c.mu.Unlock()
		return t, nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	queued := c.waiters.Len()
	c.mu.Unlock()

	c.logger.Debug("waiting for admission", zap.Int("queue_position", queued))

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		c.mu.Lock()
		t := c.ticketLocked(start)
		c.mu.Unlock()
		return t, nil
	case <-expired:
		return nil, c.abandon(elem, w, model.Errorf(model.KindAdmissionTimeout, "no session capacity became free within %s", timeout))
	case <-ctx.Done():
		return nil, c.abandon(elem, w, contextError(ctx.Err()))
	}
}

// abandon removes a waiter that gave up. If a slot was handed to it in the
// meantime, the slot goes to the next waiter instead of leaking.
func (c *Controller) abandon(elem *list.Element, w *waiter, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-w.ready:
		c.active--
		c.grantLocked()
	default:
		c.waiters.Remove(elem)
	}
	return err
}

func (c *Controller) ticketLocked(start time.Time) *Ticket {
	c.nextID++
	now := time.Now()
	return &Ticket{ID: c.nextID, AcquiredAt: now, Waited: now.Sub(start), c: c}
}

// grantLocked hands free slots to waiters in arrival order.
func (c *Controller) grantLocked() {
	for c.active < c.capacity && c.waiters.Len() > 0 {
		front := c.waiters.Front()
		c.waiters.Remove(front)
		c.active++
		close(front.Value.(*waiter).ready)
	}
}

// Release returns the slot. Only the first call has an effect.
func (t *Ticket) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return ErrTicketReleased
	}
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	c.grantLocked()
	return nil
}

// SetCapacity resizes the controller. Growing admits queued waiters at once;
// shrinking never revokes held tickets, it only withholds new grants.
func (c *Controller) SetCapacity(n int) error {
	if n < 1 {
		return fmt.Errorf("admission: capacity must be at least 1, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n != c.capacity {
		c.logger.Info("admission capacity changed", zap.Int("from", c.capacity), zap.Int("to", n))
	}
	c.capacity = n
	c.grantLocked()
	return nil
}

// Stats never blocks on anything but the controller's own mutex.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Active: c.active, Capacity: c.capacity, Waiting: c.waiters.Len()}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(model.KindAdmissionTimeout, err, "no session capacity before deadline")
	}
	return model.Wrap(model.KindCanceled, err, "admission wait canceled")
}
