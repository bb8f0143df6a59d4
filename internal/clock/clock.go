// Package clock abstracts time so timing logic can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a fire-once callback handle.
//
// Stop reports whether the call prevented the callback from running.
// A false return means the callback already ran or is about to.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a Clock whose time only moves when Advance or Set is called.
// Due callbacks run synchronously on the goroutine that moves the clock.
//
// Zero value is not usable; use NewManual.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	c     *Manual
	at    time.Time
	seq   uint64
	f     func()
	fired bool
	dead  bool
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of armed, unfired timers.
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.dead {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every timer that becomes due.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t (never backwards), firing due timers in deadline order.
// Callbacks may arm new timers; those fire too if they are due by t.
func (c *Manual) Set(t time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		f := next.f
		c.pruneLocked()
		c.mu.Unlock()

		f()
	}
}

func (c *Manual) nextDueLocked(limit time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if t.fired || t.dead || t.at.After(limit) {
			continue
		}
		due = append(due, t)
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

func (c *Manual) pruneLocked() {
	out := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.dead {
			out = append(out, t)
		}
	}
	for i := len(out); i < len(c.timers); i++ {
		c.timers[i] = nil
	}
	c.timers = out
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.dead {
		return false
	}
	t.dead = true
	t.c.pruneLocked()
	return true
}
