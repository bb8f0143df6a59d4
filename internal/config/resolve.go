package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultDebounce       = 2 * time.Second
	DefaultStartupGrace   = 5 * time.Second
	DefaultCaptureTimeout = 5 * time.Second
	DefaultBusyTimeout    = time.Second
	DefaultKeep           = 5
	DefaultKittyCommand   = "kitty"
)

// Resolved is the validated, typed view of Config used to wire components.
type Resolved struct {
	Debounce     time.Duration
	StartupGrace time.Duration
	FlushOnExit  bool
	Checkpoint   string

	Socket string

	KittyCommand   string
	KittyTo        string
	CaptureTimeout time.Duration

	StorageDriver string // "" when storage is disabled ("none")
	StoragePath   string
	StorageKeep   int
	BusyTimeout   time.Duration
}

// Resolve validates cfg and applies defaults.
// Omitted durations take their default; an explicit non-positive one is an error.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var r Resolved
	var err error

	if r.Debounce, err = positiveDuration("debounce", cfg.Debounce, DefaultDebounce); err != nil {
		return Resolved{}, err
	}
	if r.StartupGrace, err = positiveDuration("startup_grace", cfg.StartupGrace, DefaultStartupGrace); err != nil {
		return Resolved{}, err
	}
	r.FlushOnExit = true
	if cfg.FlushOnExit != nil {
		r.FlushOnExit = *cfg.FlushOnExit
	}

	if spec := strings.TrimSpace(cfg.Checkpoint); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return Resolved{}, fmt.Errorf("checkpoint: invalid schedule %q: %w", spec, err)
		}
		r.Checkpoint = spec
	}

	r.Socket = strings.TrimSpace(cfg.Listen.Socket)
	if r.Socket == "" {
		r.Socket = DefaultSocketPath()
	}
	r.Socket = expandHome(r.Socket)

	r.KittyCommand = strings.TrimSpace(cfg.Kitty.Command)
	if r.KittyCommand == "" {
		r.KittyCommand = DefaultKittyCommand
	}
	r.KittyTo = strings.TrimSpace(cfg.Kitty.To)
	if r.CaptureTimeout, err = positiveDuration("kitty.capture_timeout", cfg.Kitty.CaptureTimeout, DefaultCaptureTimeout); err != nil {
		return Resolved{}, err
	}

	if err := resolveStorage(cfg.Storage, &r); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

func resolveStorage(sc *StorageConfig, r *Resolved) error {
	if sc == nil {
		sc = &StorageConfig{Driver: "file", Path: DefaultStatePath()}
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return nil
	}
	path := expandHome(strings.TrimSpace(sc.Path))
	if path == "" {
		return fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	if sc.Keep < 0 {
		return fmt.Errorf("storage.keep must be >= 0")
	}
	keep := sc.Keep
	if keep == 0 {
		keep = DefaultKeep
	}

	switch driver {
	case "file":
		r.StorageDriver = "file"
	case "sqlite", "sqlite3":
		busy, err := durationOrDefault("storage.busy_timeout", sc.BusyTimeout, DefaultBusyTimeout)
		if err != nil {
			return err
		}
		r.StorageDriver = "sqlite"
		r.BusyTimeout = busy
	default:
		return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	r.StoragePath = path
	r.StorageKeep = keep
	return nil
}

// DefaultSocketPath returns the per-user socket location.
func DefaultSocketPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "rekitten.sock")
	}
	return filepath.Join(os.TempDir(), "rekitten-"+strconv.Itoa(os.Getuid())+".sock")
}

// DefaultStatePath returns where the file driver keeps the session when no
// storage section is configured.
func DefaultStatePath() string {
	dir := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if dir == "" {
		dir = "~/.local/state"
	}
	return filepath.Join(expandHome(dir), "rekitten", "session.json")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
