package config

import (
	"fmt"
	"strings"
	"time"
)

// positiveDuration parses a required-positive duration field.
// Empty means def; zero or negative is a misconfiguration.
func positiveDuration(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil || !set {
		return def, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0, got %q", path, raw)
	}
	return d, nil
}

// durationOrDefault parses an optional tuning knob where 0 means "use def".
func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	if !set || d == 0 {
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (time.Duration, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, true, nil
}
