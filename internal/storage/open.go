package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	logx "rekitten/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file": func(cfg Config, log logx.Logger) (Store, error) {
		return openFile(afero.NewOsFs(), cfg, log)
	},
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store selected by cfg.Driver, or (nil, nil) when
// persistence is turned off ("" or "none").
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}

// NewID returns a fresh snapshot id.
func NewID() string { return uuid.NewString() }
