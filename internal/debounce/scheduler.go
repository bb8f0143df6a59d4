package debounce

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rekitten/internal/clock"
	logx "rekitten/pkg/logx"
)

// DefaultInterval is the debounce window used when the config omits one.
const DefaultInterval = 2 * time.Second

// SaveFunc captures and persists the current state.
// Its errors are logged by the Scheduler and never retried.
type SaveFunc func(ctx context.Context) error

// State is the logical scheduler state.
type State int

const (
	// Idle means no deferred save is pending.
	Idle State = iota
	// Armed means exactly one deferred save is pending.
	Armed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "armed":
		*s = Armed
	default:
		return fmt.Errorf("debounce: unknown state %q", b)
	}
	return nil
}

type Config struct {
	// Interval is the minimum spacing between two saves.
	Interval time.Duration
}

// Stats is a point-in-time view of the scheduler, for status output and tests.
type Stats struct {
	State      State     `json:"state"`
	Saving     bool      `json:"saving"`
	Notifies   uint64    `json:"notifies"`
	Suppressed uint64    `json:"suppressed"`
	Coalesced  uint64    `json:"coalesced"`
	Immediate  uint64    `json:"immediate"`
	Deferred   uint64    `json:"deferred"`
	Saves      uint64    `json:"saves"`
	Failures   uint64    `json:"failures"`
	LastSave   time.Time `json:"last_save,omitempty"`
	LastErr    string    `json:"last_err,omitempty"`
	NextFire   time.Time `json:"next_fire,omitempty"`
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithGate installs the startup grace gate consulted before every decision.
func WithGate(g *GraceGate) Option { return func(s *Scheduler) { s.gate = g } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithContext sets the parent context handed to the save action.
// It is canceled by Close after the final save.
func WithContext(ctx context.Context) Option { return func(s *Scheduler) { s.parent = ctx } }

// Scheduler coalesces Notify calls into debounced saves.
//
// All decisions are made under mu; the save action itself runs without it.
// At most one save runs at a time and at most one timer is pending.
type Scheduler struct {
	interval time.Duration
	save     SaveFunc
	clock    clock.Clock
	gate     *GraceGate
	log      logx.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	graceLog rate.Sometimes
	skipLog  rate.Sometimes

	mu         sync.Mutex
	lastSave   time.Time // zero until the first save completes
	pending    clock.Timer
	pendingGen uint64
	pendingAt  time.Time
	pendingSrc string
	gen        uint64
	saving     bool
	savingDone chan struct{}
	// dirty records notifies that arrived while a save was in flight.
	dirty  bool
	closed bool
	stats  Stats
}

type decision int

const (
	decideNone decision = iota
	decideSave
	decideArm
	decideCoalesce
	decideBusy
)

func New(cfg Config, save SaveFunc, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if save == nil {
		return nil, ErrNilSave
	}
	s := &Scheduler{
		interval: cfg.Interval,
		save:     save,
		graceLog: rate.Sometimes{Interval: time.Second},
		skipLog:  rate.Sometimes{Interval: time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.parent == nil {
		s.parent = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(s.parent)
	return s, nil
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Gate returns the installed grace gate (nil if none).
func (s *Scheduler) Gate() *GraceGate { return s.gate }

// Notify reports that the watched state changed.
//
// When the interval since the last save has elapsed, the save runs before
// Notify returns. Otherwise a deferred save is armed, unless one already is.
func (s *Scheduler) Notify(source string) {
	if s.gate != nil {
		if rem := s.gate.Remaining(); rem > 0 {
			s.mu.Lock()
			s.stats.Notifies++
			s.stats.Suppressed++
			s.mu.Unlock()
			s.graceLog.Do(func() {
				s.log.Debug("skipping save during startup grace period",
					logx.String("source", source),
					logx.Duration("remaining", rem),
					logx.Duration("grace", s.gate.Grace()),
				)
			})
			return
		}
	}

	s.mu.Lock()
	s.stats.Notifies++
	if s.closed {
		s.mu.Unlock()
		return
	}
	d, delay := s.evaluateLocked(source)
	s.mu.Unlock()

	switch d {
	case decideSave:
		s.run(source, "immediate")
	case decideArm:
		s.log.Debug("scheduling save", logx.String("source", source), logx.Duration("delay", delay))
	case decideCoalesce:
		s.skipLog.Do(func() {
			s.log.Debug("save already scheduled, skipping", logx.String("source", source))
		})
	case decideBusy:
		s.skipLog.Do(func() {
			s.log.Debug("save in progress; will follow up", logx.String("source", source))
		})
	}
}

// evaluateLocked picks the path for one notify. A decideSave result means
// the caller owns the save slot and must call run.
func (s *Scheduler) evaluateLocked(source string) (decision, time.Duration) {
	if s.saving {
		s.dirty = true
		s.stats.Coalesced++
		return decideBusy, 0
	}

	now := s.clock.Now()
	if s.lastSave.IsZero() || now.Sub(s.lastSave) >= s.interval {
		s.disarmLocked()
		s.beginSaveLocked()
		s.stats.Immediate++
		return decideSave, 0
	}

	if s.pending != nil {
		s.stats.Coalesced++
		return decideCoalesce, 0
	}

	delay := s.interval - now.Sub(s.lastSave)
	s.armLocked(now, delay, source)
	return decideArm, delay
}

func (s *Scheduler) armLocked(now time.Time, delay time.Duration, source string) {
	if s.pending != nil {
		// Only reachable through a bookkeeping bug; two timers would double-save.
		panic("debounce: arming a second deferred save")
	}
	s.gen++
	gen := s.gen
	s.pendingGen = gen
	s.pendingAt = now.Add(delay)
	s.pendingSrc = source
	s.stats.Deferred++
	s.pending = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) disarmLocked() {
	if s.pending == nil {
		return
	}
	s.pending.Stop()
	s.pending = nil
	s.pendingAt = time.Time{}
	s.pendingSrc = ""
}

func (s *Scheduler) beginSaveLocked() {
	s.saving = true
	s.savingDone = make(chan struct{})
}

// fire is the deferred-save callback. gen identifies the timer so a callback
// that lost the race with Stop does nothing.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || s.pending == nil || s.pendingGen != gen {
		s.mu.Unlock()
		return
	}
	source := s.pendingSrc
	s.pending = nil
	s.pendingAt = time.Time{}
	s.pendingSrc = ""

	if s.saving {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	if s.gate != nil && s.gate.Suppressed() {
		// The gate was re-initialized while armed.
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if elapsed := now.Sub(s.lastSave); !s.lastSave.IsZero() && elapsed < s.interval {
		s.armLocked(now, s.interval-elapsed, source)
		s.mu.Unlock()
		return
	}
	s.beginSaveLocked()
	s.mu.Unlock()

	s.run(source, "deferred")
}

// run executes the save action. The caller must own the save slot.
func (s *Scheduler) run(source, path string) {
	s.log.Debug("executing debounced save", logx.String("source", source), logx.String("path", path))

	start := s.clock.Now()
	err := s.invoke(source)
	done := s.clock.Now()

	s.mu.Lock()
	if done.After(s.lastSave) {
		s.lastSave = done
	}
	s.saving = false
	if s.savingDone != nil {
		close(s.savingDone)
		s.savingDone = nil
	}
	s.stats.Saves++
	s.stats.LastSave = s.lastSave
	if err != nil {
		s.stats.Failures++
		s.stats.LastErr = err.Error()
	} else {
		s.stats.LastErr = ""
	}
	followUp := s.dirty && !s.closed && s.pending == nil
	if followUp {
		s.dirty = false
		s.armLocked(done, s.interval, "coalesced")
	}
	s.mu.Unlock()

	took := done.Sub(start)
	if err != nil {
		s.log.Error("error saving state",
			logx.String("source", source),
			logx.String("path", path),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		s.log.Debug("save completed", logx.String("source", source), logx.Duration("took", took))
	}
	if followUp {
		s.log.Debug("scheduling follow-up save", logx.Duration("delay", s.interval))
	}
}

func (s *Scheduler) invoke(source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save panicked: %v", r)
			s.log.Error("save panicked",
				logx.String("source", source),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return s.save(s.ctx)
}

// State returns Idle or Armed.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return Armed
	}
	return Idle
}

// Stats returns a snapshot of counters and timing state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = Idle
	if s.pending != nil {
		st.State = Armed
		st.NextFire = s.pendingAt
	}
	st.Saving = s.saving
	return st
}

// Close stops scheduling. A pending deferred save is canceled; when flush is
// true it runs once now instead, so the last burst is not lost. Close waits
// for an in-flight save (bounded by ctx). Later Notify calls are no-ops.
func (s *Scheduler) Close(ctx context.Context, flush bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	armed := s.pending != nil
	s.disarmLocked()
	wait := s.savingDone
	s.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	needFlush := flush && (armed || s.dirty) && !s.saving
	s.dirty = false
	if needFlush {
		s.beginSaveLocked()
	}
	s.mu.Unlock()

	if needFlush {
		s.run("shutdown", "flush")
	}
	s.cancel()
	return nil
}
