package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// Decode parses a JSON or YAML config (chosen by file extension) and
// rejects unknown keys and trailing data. Empty input is an empty Config.
func Decode(path string, b []byte) (*Config, error) {
	name := filepath.Base(path)
	jb := b
	if isYAML(path) {
		var err error
		if jb, err = yamlToJSON(b); err != nil {
			return nil, fmt.Errorf("config %s: %w", name, err)
		}
	}
	jb = bytes.TrimSpace(jb)
	if len(jb) == 0 || bytes.Equal(jb, []byte("null")) {
		return &Config{}, nil
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %s: trailing data after top-level object", name)
	}
	return &cfg, nil
}
