package config

import (
	"reflect"
	"strings"

	logx "rekitten/pkg/logx"
)

// ChangedSections returns the top-level sections that differ between two configs,
// plus structured attrs describing the new values for logging.
//
// Only "logging" can be applied live; every other section needs a restart.
func ChangedSections(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.Debounce) != strings.TrimSpace(newCfg.Debounce) ||
		strings.TrimSpace(oldCfg.StartupGrace) != strings.TrimSpace(newCfg.StartupGrace) ||
		!reflect.DeepEqual(oldCfg.FlushOnExit, newCfg.FlushOnExit) {
		changed = append(changed, "debounce")
		attrs = append(attrs,
			logx.String("debounce", newCfg.Debounce),
			logx.String("startup_grace", newCfg.StartupGrace),
		)
	}
	if strings.TrimSpace(oldCfg.Checkpoint) != strings.TrimSpace(newCfg.Checkpoint) {
		changed = append(changed, "checkpoint")
		attrs = append(attrs, logx.String("checkpoint", newCfg.Checkpoint))
	}
	if oldCfg.Listen != newCfg.Listen {
		changed = append(changed, "listen")
	}
	if oldCfg.Kitty != newCfg.Kitty {
		changed = append(changed, "kitty")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// RequiresRestart reports whether any changed section cannot be applied live.
func RequiresRestart(sections []string) bool {
	for _, s := range sections {
		if s != "logging" {
			return true
		}
	}
	return false
}
