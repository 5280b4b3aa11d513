package connection

import (
	"context"
	"sync"
	"time"
)

// SuspendableClock measures time that only advances while the process is
// in the foreground. Handshake and query timeouts run on it, so a timeout
// does not fire just because the application was in the background.
// End-to-end budgets use the wall clock instead.
type SuspendableClock struct {
	now func() time.Time

	mu          sync.Mutex
	start       time.Time
	paused      time.Duration
	suspended   bool
	suspendedAt time.Time
	changed     chan struct{}
}

// NewSuspendableClock creates a running clock. now defaults to time.Now.
func NewSuspendableClock(now func() time.Time) *SuspendableClock {
	if now == nil {
		now = time.Now
	}
	return &SuspendableClock{now: now, start: now(), changed: make(chan struct{})}
}

// Active returns how much foreground time has passed since the clock was
// created.
func (c *SuspendableClock) Active() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *SuspendableClock) activeLocked() time.Duration {
	now := c.now()
	d := now.Sub(c.start) - c.paused
	if c.suspended {
		d -= now.Sub(c.suspendedAt)
	}
	return d
}

// Suspend stops the clock.
func (c *SuspendableClock) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	c.suspended = true
	c.suspendedAt = c.now()
	c.signalLocked()
}

// Resume restarts the clock.
func (c *SuspendableClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return
	}
	c.paused += c.now().Sub(c.suspendedAt)
	c.suspended = false
	c.signalLocked()
}

// Suspended reports whether the clock is stopped.
func (c *SuspendableClock) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *SuspendableClock) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Sleep blocks until d of foreground time has passed or ctx is done.
func (c *SuspendableClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	deadline := c.activeLocked() + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		changed := c.changed
		suspended := c.suspended
		remaining := deadline - c.activeLocked()
		c.mu.Unlock()

		if !suspended && remaining <= 0 {
			return nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !suspended {
			timer = time.NewTimer(remaining)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// raceTimeout runs fn against a sleep of d on clock. Whichever finishes
// first wins and the other is cancelled. A lost race returns
// ErrOperationTimeout.
func raceTimeout(ctx context.Context, clock *SuspendableClock, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	slept := make(chan error, 1)
	go func() { slept <- clock.Sleep(ctx, d) }()

	select {
	case err := <-done:
		return err
	case err := <-slept:
		if err != nil {
			return err
		}
		return ErrOperationTimeout
	}
}

// sleepCtx waits for d of wall-clock time.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
