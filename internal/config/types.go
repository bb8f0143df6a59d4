package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
// Omitted durations fall back to their defaults; explicit values must be > 0.
type Config struct {
	// Debounce is the minimum spacing between two saves. Default "2s".
	Debounce string `json:"debounce,omitempty"`
	// StartupGrace suppresses saves right after the watcher loads,
	// while kitty is still restoring the previous session. Default "5s".
	StartupGrace string `json:"startup_grace,omitempty"`
	// FlushOnExit runs one final save on shutdown when a deferred save
	// is pending. Default true.
	FlushOnExit *bool `json:"flush_on_exit,omitempty"`

	// Checkpoint is an optional cron expression (or "@every 10m") that
	// periodically notifies the scheduler even without host events.
	Checkpoint string `json:"checkpoint,omitempty"`

	Listen  ListenConfig   `json:"listen"`
	Kitty   KittyConfig    `json:"kitty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Logging LoggingConfig  `json:"logging"`
	Systemd SystemdConfig  `json:"systemd"`
}

// ListenConfig controls the unix socket the kitty watcher shim writes to.
type ListenConfig struct {
	// Socket path. Default: $XDG_RUNTIME_DIR/rekitten.sock,
	// or <tmp>/rekitten-<uid>.sock when XDG_RUNTIME_DIR is unset.
	Socket string `json:"socket,omitempty"`
}

// KittyConfig controls how the session layout is captured.
type KittyConfig struct {
	// Command is the kitty binary. Default "kitty".
	Command string `json:"command,omitempty"`
	// To is the remote control address passed as "kitty @ --to <addr>".
	// Empty uses kitty's own default (KITTY_LISTEN_ON).
	To string `json:"to,omitempty"`
	// CaptureTimeout bounds one "kitty @ ls" run. Default "5s".
	CaptureTimeout string `json:"capture_timeout,omitempty"`
}

// StorageConfig controls where snapshots are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "~/.local/state/rekitten/session.json", "keep": 5 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	Keep        int    `json:"keep,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SystemdConfig enables sd_notify integration when run as a user service.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}
