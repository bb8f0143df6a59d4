// Package checkpoint periodically notifies the debounce scheduler, so the
// session is saved on a schedule even when kitty emits no events.
//
// Ticks go through Notify like any host event: the grace window and the
// debounce interval still apply.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rekitten/pkg/logx"
)

// Source is the Notify source recorded for checkpoint ticks.
const Source = "checkpoint"

type Notifier interface {
	Notify(source string)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a cron expression or "@every <duration>" descriptor.
func Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty checkpoint schedule")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %q: %w", spec, err)
	}
	return sched, nil
}

// Checkpoint owns one cron entry that calls Notify(Source).
type Checkpoint struct {
	spec  string
	sched cron.Schedule
	n     Notifier
	log   logx.Logger
	loc   *time.Location

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
	ticks uint64
}

func New(spec string, n Notifier, log logx.Logger) (*Checkpoint, error) {
	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checkpoint{spec: strings.TrimSpace(spec), sched: sched, n: n, log: log, loc: time.Local}, nil
}

func (c *Checkpoint) Spec() string { return c.spec }

// Next returns the next tick after t.
func (c *Checkpoint) Next(t time.Time) time.Time { return c.sched.Next(t.In(c.loc)) }

// Ticks returns how many times the checkpoint has fired.
func (c *Checkpoint) Ticks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func (c *Checkpoint) tick() {
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
	c.log.Debug("checkpoint tick", logx.String("schedule", c.spec))
	c.n.Notify(Source)
}

// Start begins ticking. A second Start is a no-op.
func (c *Checkpoint) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return
	}
	cl := cronLogger{log: c.log}
	c.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(c.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.entry = c.c.Schedule(c.sched, cron.FuncJob(c.tick))
	c.c.Start()
	c.log.Info("checkpoint started", logx.String("schedule", c.spec), logx.Time("next", c.Next(time.Now())))
}

// Stop halts the cron and waits for a running tick, bounded by ctx.
func (c *Checkpoint) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr := c.c
	c.c = nil
	c.mu.Unlock()
	if cr == nil {
		return nil
	}
	select {
	case <-cr.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the checkpoint and stops it when ctx is done.
func (c *Checkpoint) Run(ctx context.Context) error {
	c.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Stop(stopCtx)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
