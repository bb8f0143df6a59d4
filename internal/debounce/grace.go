package debounce

import (
	"sync"
	"time"

	"rekitten/internal/clock"
)

// DefaultGrace is how long scheduling stays inert after Initialize.
const DefaultGrace = 5 * time.Second

// GraceGate suppresses scheduling for a fixed window after startup.
//
// Before Initialize is called the gate never suppresses (fail-open).
type GraceGate struct {
	clock clock.Clock
	grace time.Duration

	mu      sync.RWMutex
	started time.Time
	set     bool
	// open latches once the window has been observed as elapsed.
	open bool
}

func NewGraceGate(c clock.Clock, grace time.Duration) (*GraceGate, error) {
	if grace <= 0 {
		return nil, ErrInvalidGrace
	}
	if c == nil {
		c = clock.Real()
	}
	return &GraceGate{clock: c, grace: grace}, nil
}

// Initialize starts the grace window at the current time.
// A second call restarts the window.
func (g *GraceGate) Initialize() {
	now := g.clock.Now()
	g.mu.Lock()
	g.started = now
	g.set = true
	g.open = false
	g.mu.Unlock()
}

// Suppressed reports whether the grace window is still running.
func (g *GraceGate) Suppressed() bool {
	return g.Remaining() > 0
}

// Remaining returns how much of the grace window is left (0 once it elapsed
// or when the gate was never initialized).
func (g *GraceGate) Remaining() time.Duration {
	g.mu.RLock()
	set, open, started := g.set, g.open, g.started
	g.mu.RUnlock()
	if !set || open {
		return 0
	}

	since := g.clock.Now().Sub(started)
	if since < g.grace {
		return g.grace - since
	}

	g.mu.Lock()
	// Initialize may have run in between; only latch the window we measured.
	if g.started.Equal(started) {
		g.open = true
	}
	g.mu.Unlock()
	return 0
}

// Grace returns the configured window length.
func (g *GraceGate) Grace() time.Duration { return g.grace }

// StartedAt returns the time Initialize was last called.
func (g *GraceGate) StartedAt() (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.started, g.set
}
