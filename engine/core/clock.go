package core

import "time"

// Clock measures elapsed wall time between Update calls. A stopped clock
// keeps its last elapsed value.
type Clock struct {
	start   time.Time
	last    time.Time
	elapsed time.Duration
	delta   time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

// Start resets the elapsed time.
func (c *Clock) Start() {
	c.start = time.Now()
	c.last = c.start
	c.elapsed = 0
	c.delta = 0
}

// Update should be called once per loop iteration before reading Elapsed or Delta.
// Has no effect on a stopped clock.
func (c *Clock) Update() {
	if c.start.IsZero() {
		return
	}
	now := time.Now()
	c.elapsed = now.Sub(c.start)
	c.delta = now.Sub(c.last)
	c.last = now
}

func (c *Clock) Stop() {
	c.start = time.Time{}
}

func (c *Clock) Elapsed() time.Duration {
	return c.elapsed
}

// Delta is the time between the two most recent updates.
func (c *Clock) Delta() time.Duration {
	return c.delta
}
