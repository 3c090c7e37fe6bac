package session

import (
	"math"
	"time"
)

// Clock measures elapsed time for the active session. It relies on the
// monotonic reading carried by time.Now, so wall-clock adjustments during
// a walk do not move the duration.
type Clock struct {
	startedAt time.Time
	running   bool
	high      uint32
}

func (c *Clock) Start(now time.Time) {
	c.startedAt = now
	c.running = true
	c.high = 0
}

// ElapsedSeconds returns whole seconds since Start, floored. It never
// reports less than a previous call for the same session, and is zero
// when the clock is stopped.
func (c *Clock) ElapsedSeconds(now time.Time) uint32 {
	if !c.running {
		return 0
	}
	d := now.Sub(c.startedAt)
	if d <= 0 {
		return c.high
	}
	secs := d / time.Second
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}
	if s := uint32(secs); s > c.high {
		c.high = s
	}
	return c.high
}

func (c *Clock) Stop() {
	c.running = false
	c.high = 0
}

func (c *Clock) Running() bool { return c.running }
