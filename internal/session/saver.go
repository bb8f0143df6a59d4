package session

import (
	"context"
	"fmt"
	"time"

	"rekitten/internal/clock"
	"rekitten/internal/eventbus"
	"rekitten/internal/storage"
	logx "rekitten/pkg/logx"
)

// Source produces the current layout.
type Source interface {
	Capture(ctx context.Context) (Layout, error)
}

// Saver captures the layout and writes it to the store.
// A nil store runs in dry-run mode: capture and log only.
type Saver struct {
	src   Source
	store storage.Store
	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger
}

func NewSaver(src Source, store storage.Store, bus eventbus.Bus, c clock.Clock, log logx.Logger) *Saver {
	if c == nil {
		c = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Saver{src: src, store: store, bus: bus, clock: c, log: log}
}

// Save is the debounce save action.
func (s *Saver) Save(ctx context.Context) error {
	start := s.clock.Now()
	snap, err := s.save(ctx, start)
	res := eventbus.SaveResult{
		SnapshotID: snap.ID,
		Tabs:       snap.Tabs,
		Windows:    snap.Windows,
		Took:       s.clock.Now().Sub(start),
	}
	if err != nil {
		res.Err = err.Error()
		s.publish(eventbus.TypeSaveFailed, res)
		return err
	}
	s.publish(eventbus.TypeSaved, res)
	s.log.Info("session saved",
		logx.String("id", snap.ID),
		logx.Int("os_windows", snap.OSWindows),
		logx.Int("tabs", snap.Tabs),
		logx.Int("windows", snap.Windows),
		logx.Duration("took", res.Took),
	)
	return nil
}

func (s *Saver) save(ctx context.Context, at time.Time) (storage.Snapshot, error) {
	layout, err := s.src.Capture(ctx)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("capture: %w", err)
	}
	snap := storage.Snapshot{
		ID:         storage.NewID(),
		CapturedAt: at,
		OSWindows:  layout.OSWindows,
		Tabs:       layout.Tabs,
		Windows:    layout.Windows,
		Data:       layout.Raw,
	}
	if s.store == nil {
		s.log.Debug("storage disabled; snapshot not persisted", logx.Int("bytes", len(snap.Data)))
		return snap, nil
	}
	if err := s.store.Put(ctx, snap); err != nil {
		return snap, fmt.Errorf("persist: %w", err)
	}
	return snap, nil
}

func (s *Saver) publish(typ string, res eventbus.SaveResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: res})
}
