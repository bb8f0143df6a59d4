package app

import (
	"rekitten/internal/config"
	"rekitten/internal/session"
	"rekitten/internal/storage"
	logx "rekitten/pkg/logx"
)

func mapStorageConfig(r config.Resolved) (storage.Config, bool) {
	if r.StorageDriver == "" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      r.StorageDriver,
		Path:        r.StoragePath,
		Keep:        r.StorageKeep,
		BusyTimeout: r.BusyTimeout,
	}, true
}

func mapCaptureConfig(r config.Resolved) session.CaptureConfig {
	return session.CaptureConfig{
		Command: r.KittyCommand,
		To:      r.KittyTo,
		Timeout: r.CaptureTimeout,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
