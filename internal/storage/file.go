package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "rekitten/pkg/logx"
)

// fileStore keeps the newest snapshot at <path> and older ones at
// <path>.1 .. <path>.<keep-1> (higher suffix = older).
//
// Writes go to <path>.tmp first, so a crash mid-write never clobbers
// the last good snapshot.
type fileStore struct {
	fs   afero.Fs
	log  logx.Logger
	path string
	keep int

	mu     sync.Mutex
	closed bool
}

// fileDoc is the on-disk layout. Session is embedded as raw JSON so the
// file stays readable and restorable by hand.
type fileDoc struct {
	ID         string          `json:"id"`
	CapturedAt time.Time       `json:"captured_at"`
	OSWindows  int             `json:"os_windows"`
	Tabs       int             `json:"tabs"`
	Windows    int             `json:"windows"`
	Session    json.RawMessage `json:"session"`
}

func openFile(fs afero.Fs, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = 1
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Leftover from an interrupted write.
	_ = fs.Remove(path + ".tmp")

	return &fileStore{fs: fs, log: log, path: path, keep: keep}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Put(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(snap.Data) {
		return fmt.Errorf("snapshot %s: session data is not valid JSON", snap.ID)
	}
	b, err := json.MarshalIndent(fileDoc{
		ID:         snap.ID,
		CapturedAt: snap.CapturedAt,
		OSWindows:  snap.OSWindows,
		Tabs:       snap.Tabs,
		Windows:    snap.Windows,
		Session:    json.RawMessage(snap.Data),
	}, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	if err := s.rotateLocked(); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Debug("snapshot written", logx.String("path", s.path), logx.String("id", snap.ID), logx.Int("bytes", len(b)))
	return nil
}

// rotateLocked shifts <path> -> <path>.1 -> ... dropping the oldest copy.
func (s *fileStore) rotateLocked() error {
	if s.keep <= 1 {
		return nil
	}
	oldest := s.slot(s.keep - 1)
	if err := s.fs.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := s.keep - 2; i >= 0; i-- {
		from := s.slot(i)
		if _, err := s.fs.Stat(from); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := s.fs.Rename(from, s.slot(i+1)); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) slot(i int) string {
	if i == 0 {
		return s.path
	}
	return s.path + "." + strconv.Itoa(i)
}

func (s *fileStore) Latest(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.path)
}

func (s *fileStore) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, limit)
	for i := 0; i < limit; i++ {
		snap, err := s.readLocked(s.slot(i))
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *fileStore) readLocked(path string) (Snapshot, error) {
	b, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return Snapshot{
		ID:         doc.ID,
		CapturedAt: doc.CapturedAt,
		OSWindows:  doc.OSWindows,
		Tabs:       doc.Tabs,
		Windows:    doc.Windows,
		Data:       []byte(doc.Session),
	}, nil
}
