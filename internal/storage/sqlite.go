package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "rekitten/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

const schemaVersion = 1

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int
}

// sqliteDSN sets pragmas through the connection string so every pooled
// connection gets them, not just the first.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log, keep: max(cfg.Keep, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

// migrate applies the schema once and records it in user_version.
func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return err
	}
	switch {
	case v == schemaVersion:
		return nil
	case v > schemaVersion:
		return fmt.Errorf("database schema v%d is newer than supported v%d", v, schemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	if err == nil {
		s.log.Info("sqlite schema applied", logx.Int("version", schemaVersion))
	}
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.ID == "" {
		snap.ID = NewID()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}
	at := snap.CapturedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO snapshots(id, captured_at, os_windows, tabs, windows, data) VALUES(?,?,?,?,?,?)`
	if _, err := tx.ExecContext(ctx, insert, snap.ID, at, snap.OSWindows, snap.Tabs, snap.Windows, snap.Data); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	// Retain the newest keep rows.
	const prune = `DELETE FROM snapshots WHERE seq <= (SELECT seq FROM snapshots ORDER BY seq DESC LIMIT 1 OFFSET ?)`
	res, err := tx.ExecContext(ctx, prune, s.keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned snapshots", logx.Int64("rows", n), logx.Int("keep", s.keep))
	}
	return nil
}

func (s *sqliteStore) Latest(ctx context.Context) (Snapshot, error) {
	list, err := s.List(ctx, 1)
	switch {
	case err != nil:
		return Snapshot{}, err
	case len(list) == 0:
		return Snapshot{}, ErrNotFound
	}
	return list[0], nil
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, captured_at, os_windows, tabs, windows, data FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (Snapshot, error) {
	var (
		snap Snapshot
		at   string
	)
	if err := rows.Scan(&snap.ID, &at, &snap.OSWindows, &snap.Tabs, &snap.Windows, &snap.Data); err != nil {
		return snap, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return snap, fmt.Errorf("snapshot %s: captured_at %q: %w", snap.ID, at, err)
	}
	snap.CapturedAt = t
	return snap, nil
}
