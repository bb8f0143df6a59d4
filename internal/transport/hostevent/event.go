// Package hostevent carries kitty lifecycle events from the watcher shim to
// the daemon over a unix socket, one JSON object per line.
//
// Each request line is answered with one Reply line. Events are acknowledged
// as soon as they are decoded; dispatch happens afterwards so the shim never
// waits on a save.
package hostevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeLoad        Type = "load"
	TypeTabBarDirty Type = "tab_bar_dirty"
	TypeClose       Type = "close"
	TypeFocusChange Type = "focus_change"

	// TypeStatus is a control request; the reply carries the daemon status.
	TypeStatus Type = "status"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Event is one host notification.
type Event struct {
	Type     Type      `json:"type"`
	WindowID int       `json:"window_id,omitempty"`
	Focused  bool      `json:"focused,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

func (e Event) Validate() error {
	switch e.Type {
	case TypeLoad, TypeTabBarDirty, TypeClose, TypeFocusChange, TypeStatus:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrUnknownEvent)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, string(e.Type))
	}
}

// Reply answers one request line.
type Reply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}
