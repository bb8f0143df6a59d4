package debounce

import "errors"

var (
	ErrInvalidInterval = errors.New("debounce: interval must be > 0")
	ErrInvalidGrace    = errors.New("debounce: grace period must be > 0")
	ErrNilSave         = errors.New("debounce: save action is required")
	ErrClosed          = errors.New("debounce: scheduler closed")
)
