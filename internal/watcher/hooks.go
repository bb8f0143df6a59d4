// Package watcher maps kitty's watcher callbacks onto the debounce scheduler.
package watcher

import (
	"context"
	"fmt"
	"time"

	"rekitten/internal/clock"
	"rekitten/internal/debounce"
	"rekitten/internal/eventbus"
	"rekitten/internal/transport/hostevent"
	logx "rekitten/pkg/logx"
)

// Notifier is the scheduler side of the hooks.
type Notifier interface {
	Notify(source string)
	Interval() time.Duration
}

// Hooks receives kitty lifecycle callbacks.
type Hooks struct {
	sched Notifier
	gate  *debounce.GraceGate
	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger
}

func New(sched Notifier, gate *debounce.GraceGate, bus eventbus.Bus, c clock.Clock, log logx.Logger) *Hooks {
	if c == nil {
		c = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hooks{sched: sched, gate: gate, bus: bus, clock: c, log: log}
}

// OnLoad starts the startup grace window.
func (h *Hooks) OnLoad() {
	if h.gate != nil {
		h.gate.Initialize()
	}
	fields := []logx.Field{logx.Duration("interval", h.sched.Interval())}
	if h.gate != nil {
		fields = append(fields, logx.Duration("grace", h.gate.Grace()))
	}
	h.log.Info("watcher loaded", fields...)
}

func (h *Hooks) OnTabBarDirty() { h.sched.Notify(string(hostevent.TypeTabBarDirty)) }

func (h *Hooks) OnClose(windowID int) {
	h.log.Trace("window closed", logx.Int("window_id", windowID))
	h.sched.Notify(string(hostevent.TypeClose))
}

// OnFocusChange notifies only when a window gains focus.
func (h *Hooks) OnFocusChange(windowID int, focused bool) {
	if !focused {
		return
	}
	h.log.Trace("window focused", logx.Int("window_id", windowID))
	h.sched.Notify(string(hostevent.TypeFocusChange))
}

// HandleEvent dispatches one decoded host event.
func (h *Hooks) HandleEvent(_ context.Context, e hostevent.Event) error {
	switch e.Type {
	case hostevent.TypeLoad:
		h.OnLoad()
	case hostevent.TypeTabBarDirty:
		h.OnTabBarDirty()
	case hostevent.TypeClose:
		h.OnClose(e.WindowID)
	case hostevent.TypeFocusChange:
		h.OnFocusChange(e.WindowID, e.Focused)
	default:
		return fmt.Errorf("%w: %q", hostevent.ErrUnknownEvent, string(e.Type))
	}
	if h.bus != nil {
		at := e.At
		if at.IsZero() {
			at = h.clock.Now()
		}
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeHostEvent, Time: at, Data: e})
	}
	return nil
}
