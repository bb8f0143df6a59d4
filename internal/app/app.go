package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rekitten/internal/checkpoint"
	"rekitten/internal/clock"
	"rekitten/internal/config"
	"rekitten/internal/debounce"
	"rekitten/internal/eventbus"
	"rekitten/internal/runtime/supervisor"
	"rekitten/internal/session"
	"rekitten/internal/storage"
	"rekitten/internal/transport/hostevent"
	"rekitten/internal/watcher"
	logx "rekitten/pkg/logx"
)

// App is the rekitten daemon: it receives kitty watcher events on a unix
// socket and saves the session layout through the debounce scheduler.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	res     config.Resolved

	clock  clock.Clock
	runner session.Runner

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	saver *session.Saver
	gate  *debounce.GraceGate
	sched *debounce.Scheduler
	hooks *watcher.Hooks
	srv   *hostevent.Server
	ckpt  *checkpoint.Checkpoint

	sup       *supervisor.Supervisor
	startedAt time.Time
	stopOnce  sync.Once
}

type Option func(*App)

// WithClock replaces the wall clock used by the scheduler and saver.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clock = c } }

// WithRunner replaces the command runner used to call "kitty @ ls".
func WithRunner(r session.Runner) Option { return func(a *App) { a.runner = r } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, clock: clock.Real()}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	a.res = res

	logSvc, log := logx.New(mapLogConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	if sc, enabled := mapStorageConfig(res); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		a.log.Warn("storage disabled; snapshots are captured but not persisted")
	}

	capt := session.NewCapturer(mapCaptureConfig(res), a.runner)
	a.saver = session.NewSaver(capt, a.store, a.bus, a.clock, log.With(logx.String("comp", "session")))

	a.gate, err = debounce.NewGraceGate(a.clock, res.StartupGrace)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.sched, err = debounce.New(debounce.Config{Interval: res.Debounce}, a.saver.Save,
		debounce.WithClock(a.clock),
		debounce.WithGate(a.gate),
		debounce.WithLogger(log.With(logx.String("comp", "debounce"))),
	)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.hooks = watcher.New(a.sched, a.gate, a.bus, a.clock, log.With(logx.String("comp", "watcher")))

	if strings.TrimSpace(res.Checkpoint) != "" {
		a.ckpt, err = checkpoint.New(res.Checkpoint, a.sched, log.With(logx.String("comp", "checkpoint")))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
	}

	a.srv = hostevent.NewServer(res.Socket, a.hooks, a.status, log.With(logx.String("comp", "hostevent")))
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Config() *config.Config         { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Socket() string                 { return a.res.Socket }
func (a *App) Scheduler() *debounce.Scheduler { return a.sched }
func (a *App) Store() storage.Store           { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the socket and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.srv.Listen(); err != nil {
		return err
	}
	a.startedAt = a.clock.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if spec := strings.TrimSpace(cfg.Checkpoint); spec != "" {
			_, err := checkpoint.Parse(spec)
			return err
		}
		return nil
	})

	a.sup.Go("hostevent.serve", a.srv.Serve)

	if a.ckpt != nil {
		a.sup.GoRestart("checkpoint", a.ckpt.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub, unsub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("socket", a.res.Socket),
		logx.Duration("debounce", a.res.Debounce),
		logx.Duration("startup_grace", a.res.StartupGrace),
		logx.String("checkpoint", a.res.Checkpoint),
	)
	return nil
}

// applyConfig handles one hot reload. Only logging is applied live.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if err := a.logs.Apply(mapLogConfig(next)); err != nil {
		a.log.Warn("log sink unavailable; using console", logx.Err(err))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.RequiresRestart(sections) {
		a.log.Warn("config change requires restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApply, Time: a.clock.Now(), Data: sections})
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.SaveResult:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("snapshot", d.SnapshotID), logx.Duration("took", d.Took))
	case hostevent.Event:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("host_event", string(d.Type)), logx.Int("window_id", d.WindowID))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// Status is the document returned for "status" requests.
type Status struct {
	Socket         string              `json:"socket"`
	Uptime         string              `json:"uptime"`
	Debounce       string              `json:"debounce"`
	StartupGrace   string              `json:"startup_grace"`
	GraceRemaining string              `json:"grace_remaining"`
	Checkpoint     string              `json:"checkpoint,omitempty"`
	CheckpointNext *time.Time          `json:"checkpoint_next,omitempty"`
	Storage        string              `json:"storage"`
	EventsDropped  uint64              `json:"events_dropped"`
	Scheduler      debounce.Stats      `json:"scheduler"`
	Supervisor     supervisor.Snapshot `json:"supervisor"`
}

func (a *App) status() any { return a.Status() }

func (a *App) Status() Status {
	now := a.clock.Now()
	st := Status{
		Socket:         a.res.Socket,
		Debounce:       a.res.Debounce.String(),
		StartupGrace:   a.res.StartupGrace.String(),
		GraceRemaining: a.gate.Remaining().String(),
		Storage:        "none",
		EventsDropped:  a.bus.Dropped(),
		Scheduler:      a.sched.Stats(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = now.Sub(a.startedAt).Truncate(time.Second).String()
	}
	if a.store != nil {
		st.Storage = a.res.StorageDriver + ":" + a.res.StoragePath
	}
	if a.ckpt != nil {
		st.Checkpoint = a.ckpt.Spec()
		next := a.ckpt.Next(now)
		st.CheckpointNext = &next
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// Stop shuts the daemon down. Each step is bounded so one stuck component
// cannot stall the rest; a pending save is flushed when flush_on_exit is set.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first: the socket closes and no new events arrive during the flush.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("supervisor", 3*time.Second, a.sup.Wait)
	step("scheduler", a.res.CaptureTimeout+2*time.Second, func(c context.Context) error {
		err := a.sched.Close(c, a.res.FlushOnExit)
		if errors.Is(err, debounce.ErrClosed) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	st := a.sched.Stats()
	a.log.Info("stopped", logx.Uint64("saves", st.Saves), logx.Uint64("failures", st.Failures))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
