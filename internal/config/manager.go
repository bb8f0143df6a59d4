package config

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "rekitten/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
	validateTimeout = 5 * time.Second
)

// ConfigManager holds the active config and hot-reloads it from disk.
//
// Reloads are validated (Resolve, then the optional validator) before they
// are committed and fanned out to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	sum       uint64
	validator func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[int]chan *Config
	subID int
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[int]chan *Config{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds an extra check run on every reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// read returns the decoded config and a checksum of the raw file.
// A missing file is an empty config.
func (m *ConfigManager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	cfg, err := Decode(m.path, b)
	return cfg, h.Sum64(), err
}

// Load reads, validates and commits the config. It does not notify subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	if _, err := Resolve(cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. When
// the buffer is full the oldest pending config is replaced, so a slow
// subscriber still converges on the newest one.
func (m *ConfigManager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subID++
	id := m.subID
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload runs one debounced reload. It returns why a change was not applied
// (nil when committed or unchanged).
func (m *ConfigManager) reload(ctx context.Context) error {
	cfg, sum, err := m.read()
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	m.mu.RLock()
	same := sum == m.sum
	validate := m.validator
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file unchanged", logx.String("path", m.path))
		return nil
	}
	if _, err := Resolve(cfg); err != nil {
		return err
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
	m.publish(cfg)
	m.log.Debug("config committed", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%016x", sum)))
	return nil
}

// Watch hot-reloads the config until ctx is done.
//
// It watches the parent directory because editors usually save through a
// rename. A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	wait := rewatchMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		d := wait + time.Duration(rand.Int63n(int64(wait/2+1)))
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, rewatchMax)
	}
	return nil
}

// watchOnce runs one fsnotify watcher until ctx is done or it fails.
func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir, file := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// One timer per burst; fires reloadDebounce after the last event.
	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			timer.Reset(reloadDebounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == file && !ev.Has(fsnotify.Chmod) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				arm()
				continue
			}
			return err
		case <-fire:
			fire = nil
			if err := m.reload(ctx); err != nil {
				m.log.Warn("config reload rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
