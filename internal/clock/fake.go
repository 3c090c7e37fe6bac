package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time stands still until Advance is
// called. Safe for concurrent use.
//
// Callbacks run synchronously in the goroutine that calls Advance, in
// deadline order, with the clock's lock released. A callback may
// schedule further callbacks; those fire within the same Advance if
// their deadline falls inside it.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      uint64
	f        func()
	done     bool
}

// NewFake returns a Fake reading initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock reaches now+d. Nothing
// fires outside Advance, even for a non-positive d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{
		clock:    c,
		deadline: c.current.Add(d),
		seq:      c.seq,
		f:        f,
	}
	c.waiters = append(c.waiters, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d, firing every callback whose
// deadline is reached along the way.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		next.done = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.current = target
	c.compact()
	c.mu.Unlock()
}

// Pending returns the number of callbacks that have not fired or been
// stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// nextDue returns the earliest live waiter due at or before target.
// Ties fire in registration order. Caller holds mu.
func (c *Fake) nextDue(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, w := range c.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (c *Fake) compact() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = live
}
