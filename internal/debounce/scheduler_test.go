package debounce

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rekitten/internal/clock"
	logx "rekitten/pkg/logx"
)

type saveRecorder struct {
	mu    sync.Mutex
	clock clock.Clock
	at    []time.Time
	err   error
}

func (r *saveRecorder) save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.at = append(r.at, r.clock.Now())
	return r.err
}

func (r *saveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.at)
}

func (r *saveRecorder) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.at...)
}

var epoch = time.Unix(1_700_000_000, 0)

func newTestScheduler(t *testing.T, interval, grace time.Duration) (*Scheduler, *clock.Manual, *saveRecorder) {
	t.Helper()
	c := clock.NewManual(epoch)
	rec := &saveRecorder{clock: c}
	opts := []Option{WithClock(c)}
	if grace > 0 {
		g, err := NewGraceGate(c, grace)
		if err != nil {
			t.Fatalf("NewGraceGate: %v", err)
		}
		opts = append(opts, WithGate(g))
	}
	s, err := New(Config{Interval: interval}, rec.save, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, c, rec
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }
	if _, err := New(Config{Interval: 0}, noop); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("zero interval err = %v", err)
	}
	if _, err := New(Config{Interval: -time.Second}, noop); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("negative interval err = %v", err)
	}
	if _, err := New(Config{Interval: time.Second}, nil); !errors.Is(err, ErrNilSave) {
		t.Fatalf("nil save err = %v", err)
	}
}

func TestScenarioGraceThenImmediateThenDeferred(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 5*time.Second)

	s.Gate().Initialize() // t=0

	c.Advance(time.Second) // t=1
	s.Notify("tab_bar_dirty")
	if rec.count() != 0 || s.State() != Idle || c.Pending() != 0 {
		t.Fatalf("t=1: saves=%d state=%v pending=%d, want suppressed", rec.count(), s.State(), c.Pending())
	}

	c.Advance(5 * time.Second) // t=6
	s.Notify("tab_bar_dirty")
	if rec.count() != 1 {
		t.Fatalf("t=6: saves=%d, want 1 (immediate)", rec.count())
	}

	c.Advance(500 * time.Millisecond) // t=6.5
	s.Notify("close")
	if s.State() != Armed {
		t.Fatalf("t=6.5: state=%v, want armed", s.State())
	}
	if got, want := s.Stats().NextFire, epoch.Add(8*time.Second); !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}

	c.Advance(500 * time.Millisecond) // t=7
	s.Notify("focus_change")
	if c.Pending() != 1 {
		t.Fatalf("t=7: pending timers = %d, want 1", c.Pending())
	}

	c.Advance(time.Second) // t=8
	if rec.count() != 2 {
		t.Fatalf("t=8: saves=%d, want 2", rec.count())
	}
	if got := rec.times()[1]; !got.Equal(epoch.Add(8 * time.Second)) {
		t.Fatalf("deferred save at %v, want t=8", got)
	}
	if s.State() != Idle {
		t.Fatalf("state after fire = %v, want idle", s.State())
	}

	st := s.Stats()
	if st.Suppressed != 1 || st.Immediate != 1 || st.Deferred != 1 || st.Coalesced != 1 || st.Saves != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestCoalescesBurstIntoOneSave(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)

	s.Notify("seed") // immediate
	c.Advance(100 * time.Millisecond)
	first := c.Now()
	for i := 0; i < 50; i++ {
		s.Notify("burst")
		c.Advance(10 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("saves during burst = %d, want 1", rec.count())
	}

	c.Advance(5 * time.Second)
	if rec.count() != 2 {
		t.Fatalf("saves after burst = %d, want 2", rec.count())
	}
	if at := rec.times()[1]; at.Sub(first) > 2*time.Second {
		t.Fatalf("deferred save %v after first notify, want <= interval", at.Sub(first))
	}
}

func TestDeadlineIsNotExtendedBySubsequentNotifies(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	s.Notify("seed")

	c.Advance(500 * time.Millisecond)
	s.Notify("a")
	deadline := s.Stats().NextFire
	c.Advance(time.Second)
	s.Notify("b")
	if got := s.Stats().NextFire; !got.Equal(deadline) {
		t.Fatalf("deadline moved from %v to %v", deadline, got)
	}
	c.Advance(500 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("saves = %d, want 2", rec.count())
	}
}

func TestImmediatePathCancelsNothingWhenIdle(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, time.Second, 0)
	s.Notify("a")
	c.Advance(3 * time.Second)
	s.Notify("b")
	if rec.count() != 2 {
		t.Fatalf("saves = %d, want 2", rec.count())
	}
	if c.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", c.Pending())
	}
	if got := s.Stats().LastSave; !got.Equal(epoch.Add(3 * time.Second)) {
		t.Fatalf("LastSave = %v", got)
	}
}

func TestLastSaveUsesCompletionTime(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	slow := func(ctx context.Context) error {
		// A save that takes 3s of clock time.
		c.Set(c.Now().Add(3 * time.Second))
		return nil
	}
	s, err := New(Config{Interval: 2 * time.Second}, slow, WithClock(c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Notify("a")
	if got, want := s.Stats().LastSave, epoch.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("LastSave = %v, want completion time %v", got, want)
	}
	c.Advance(time.Second)
	s.Notify("b")
	if s.State() != Armed {
		t.Fatalf("state = %v, want armed (1s since completion)", s.State())
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	rec.err = errors.New("disk full")

	s.Notify("a")
	st := s.Stats()
	if st.Saves != 1 || st.Failures != 1 || st.LastErr != "disk full" {
		t.Fatalf("stats after failure: %+v", st)
	}
	if s.State() != Idle {
		t.Fatalf("failed save left state %v", s.State())
	}

	// No automatic retry.
	c.Advance(10 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("saves = %d, failed save was retried", rec.count())
	}

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	s.Notify("b")
	st = s.Stats()
	if rec.count() != 2 || st.Failures != 1 || st.LastErr != "" {
		t.Fatalf("after recovery: saves=%d stats=%+v", rec.count(), st)
	}
}

func TestFailedSaveStillAdvancesBaseline(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	rec.err = errors.New("boom")
	s.Notify("a")
	c.Advance(time.Second)
	s.Notify("b")
	if rec.count() != 1 || s.State() != Armed {
		t.Fatalf("saves=%d state=%v, want deferred after failure", rec.count(), s.State())
	}
}

func TestPanickingSaveIsContained(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	var calls atomic.Int32
	save := func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("capture exploded")
		}
		return nil
	}
	var buf bytes.Buffer
	s, err := New(Config{Interval: time.Second}, save, WithClock(c), WithLogger(logx.NewWriter(&buf, "debug")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Notify("a")
	if st := s.Stats(); st.Failures != 1 || !strings.Contains(st.LastErr, "capture exploded") {
		t.Fatalf("stats after panic: %+v", st)
	}
	if !strings.Contains(buf.String(), "save panicked") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
	c.Advance(2 * time.Second)
	s.Notify("b")
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestConcurrentNotifiesArmOneTimer(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	s.Notify("seed")
	c.Advance(100 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Notify("concurrent")
			}
		}()
	}
	wg.Wait()

	if c.Pending() != 1 {
		t.Fatalf("pending timers = %d, want exactly 1", c.Pending())
	}
	if got := s.Stats().Deferred; got != 1 {
		t.Fatalf("Deferred = %d, want 1", got)
	}
	c.Advance(2 * time.Second)
	if rec.count() != 2 {
		t.Fatalf("saves = %d, want 2", rec.count())
	}
}

func TestConcurrentImmediateNotifiesSaveOnce(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	release := make(chan struct{})
	var running, maxRunning, calls atomic.Int32
	save := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		<-release
		running.Add(-1)
		return nil
	}
	s, err := New(Config{Interval: 2 * time.Second}, save, WithClock(c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	go func() {
		close(started)
		s.Notify("first")
	}()
	<-started
	waitFor(t, func() bool { return s.Stats().Saving })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Notify("during")
		}()
	}
	wg.Wait()
	close(release)
	waitFor(t, func() bool { return !s.Stats().Saving })

	if calls.Load() != 1 || maxRunning.Load() != 1 {
		t.Fatalf("calls=%d maxRunning=%d, want a single save", calls.Load(), maxRunning.Load())
	}
	// Notifies during the save produce exactly one follow-up.
	if s.State() != Armed || c.Pending() != 1 {
		t.Fatalf("state=%v pending=%d, want one follow-up timer", s.State(), c.Pending())
	}
	c.Advance(2 * time.Second)
	if calls.Load() != 2 {
		t.Fatalf("calls after follow-up = %d, want 2", calls.Load())
	}
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	s.Notify("seed")
	c.Advance(500 * time.Millisecond)
	s.Notify("arm")

	s.mu.Lock()
	gen := s.pendingGen
	s.disarmLocked()
	s.mu.Unlock()

	// A callback that raced with Stop.
	s.fire(gen)
	if rec.count() != 1 {
		t.Fatalf("stale fire saved: saves=%d", rec.count())
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}

func TestGraceReinitializedWhileArmedDropsTimer(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 5*time.Second)
	s.Notify("seed") // gate never initialized: fail-open
	c.Advance(time.Second)
	s.Notify("arm")
	s.Gate().Initialize()
	c.Advance(2 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("saves = %d, timer fired inside grace window", rec.count())
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}

func TestGraceExpiryBehavesLikeNoGate(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 5*time.Second)
	s.Gate().Initialize()
	c.Advance(5 * time.Second)
	s.Notify("a")
	if rec.count() != 1 {
		t.Fatalf("saves = %d, want immediate save after grace", rec.count())
	}
}

func TestCloseFlushesPendingSave(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	s.Notify("seed")
	c.Advance(time.Second)
	s.Notify("arm")

	if err := s.Close(context.Background(), true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("saves = %d, want flush save", rec.count())
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after Close", c.Pending())
	}
	s.Notify("late")
	c.Advance(time.Minute)
	if rec.count() != 2 {
		t.Fatalf("notify after Close saved")
	}
	if err := s.Close(context.Background(), true); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close err = %v", err)
	}
}

func TestCloseWithoutFlushDropsPending(t *testing.T) {
	t.Parallel()
	s, c, rec := newTestScheduler(t, 2*time.Second, 0)
	s.Notify("seed")
	c.Advance(time.Second)
	s.Notify("arm")
	if err := s.Close(context.Background(), false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.Advance(time.Minute)
	if rec.count() != 1 {
		t.Fatalf("saves = %d, want 1", rec.count())
	}
}

func TestCloseIdleDoesNotSave(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t, 2*time.Second, 0)
	if err := s.Close(context.Background(), true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("idle Close saved")
	}
}

func TestRealClockDeferredSave(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := New(Config{Interval: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(context.Background(), false)

	s.Notify("a")
	for i := 0; i < 10; i++ {
		s.Notify("b")
	}
	waitFor(t, func() bool { return calls.Load() == 2 })
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if Idle.String() != "idle" || Armed.String() != "armed" {
		t.Fatalf("unexpected names: %s %s", Idle, Armed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
