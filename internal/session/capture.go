// Package session captures kitty's current layout and persists it.
//
// Saver.Save is the save action handed to the debounce scheduler.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec, folding stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Layout is one parsed "kitty @ ls" document.
type Layout struct {
	Raw       []byte
	OSWindows int
	Tabs      int
	Windows   int
}

type CaptureConfig struct {
	Command string
	To      string
	Timeout time.Duration
}

// Capturer reads the live layout through kitty's remote control.
type Capturer struct {
	cfg CaptureConfig
	run Runner
}

func NewCapturer(cfg CaptureConfig, run Runner) *Capturer {
	if cfg.Command == "" {
		cfg.Command = "kitty"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Capturer{cfg: cfg, run: run}
}

// Args returns the arguments passed to the kitty binary.
func (c *Capturer) Args() []string {
	args := []string{"@"}
	if c.cfg.To != "" {
		args = append(args, "--to", c.cfg.To)
	}
	return append(args, "ls")
}

func (c *Capturer) Capture(ctx context.Context) (Layout, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	out, err := c.run(ctx, c.cfg.Command, c.Args()...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Layout{}, fmt.Errorf("kitty @ ls timed out after %s: %w", c.cfg.Timeout, err)
		}
		return Layout{}, err
	}
	return ParseLayout(out)
}

type lsOSWindow struct {
	Tabs []struct {
		Windows []json.RawMessage `json:"windows"`
	} `json:"tabs"`
}

// ParseLayout validates a "kitty @ ls" document and counts its contents.
// An empty layout (no OS windows) is an error: saving it would overwrite
// a good session with nothing.
func ParseLayout(raw []byte) (Layout, error) {
	raw = bytes.TrimSpace(raw)
	var osws []lsOSWindow
	if err := json.Unmarshal(raw, &osws); err != nil {
		return Layout{}, fmt.Errorf("parse kitty @ ls output: %w", err)
	}
	if len(osws) == 0 {
		return Layout{}, errors.New("kitty @ ls returned no OS windows")
	}
	l := Layout{Raw: raw, OSWindows: len(osws)}
	for _, w := range osws {
		l.Tabs += len(w.Tabs)
		for _, t := range w.Tabs {
			l.Windows += len(t.Windows)
		}
	}
	return l, nil
}
