package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("snapshot not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document at Path with Keep rotated copies
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Keep        int
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is one captured session layout.
// Data holds the raw "kitty @ ls" document.
type Snapshot struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	OSWindows  int       `json:"os_windows"`
	Tabs       int       `json:"tabs"`
	Windows    int       `json:"windows"`
	Data       []byte    `json:"data"`
}

// Store is the persistence API used by the session saver.
type Store interface {
	Put(ctx context.Context, s Snapshot) error
	// Latest returns ErrNotFound when nothing has been saved yet.
	Latest(ctx context.Context) (Snapshot, error)
	// List returns up to limit snapshots, newest first.
	List(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}
