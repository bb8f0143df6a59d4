package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "15:04:05.000"
	defaultLogFile    = "rekitten.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the log sinks and swaps them on Apply (config hot reload).
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	})
}

// New builds the service from cfg. A sink that fails to open is reported on
// the returned logger and replaced by the console.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	l := s.Logger()
	if err := s.Apply(cfg); err != nil {
		l.Warn("log sink unavailable; using console", Err(err))
	}
	return s, l
}

func (s *Service) Logger() Logger { return Logger{src: &s.root} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply rebuilds the root logger. The log file is kept open when its path
// did not change, so level-only reloads never reopen it.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var errs []error
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stderr(), noColor()))
	}

	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = defaultLogFile
		}
	}
	if s.file != nil && s.filePath != want {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if want != "" && s.file == nil {
		f, err := openLogFile(want)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.file, s.filePath = f, want
		}
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stderr(), noColor()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return errors.Join(errs...)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func consoleWriter(w io.Writer, plain bool) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    plain,
		TimeFormat: consoleTimeFormat,
		// callers are already short (file:line)
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func noColor() bool { return os.Getenv("NO_COLOR") != "" }

// ParseLevel maps a config level name to a Level; unknown names map to def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}

// Stderr is the console sink. kitty watchers share the terminal's stdout,
// so console logs never go there.
func Stderr() io.Writer { return os.Stderr }
