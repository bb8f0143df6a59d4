package checkpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "rekitten/pkg/logx"
)

type counter struct{ n atomic.Int32 }

func (c *counter) Notify(source string) {
	if source == Source {
		c.n.Add(1)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		ok   bool
	}{
		{"@every 10m", true},
		{"*/15 * * * *", true},
		{"@hourly", true},
		{"", false},
		{"every now and then", false},
		{"0 0 * * * *", false}, // seconds field not accepted
	}
	for _, tt := range tests {
		_, err := Parse(tt.spec)
		if (err == nil) != tt.ok {
			t.Fatalf("Parse(%q) err = %v, want ok=%v", tt.spec, err, tt.ok)
		}
	}
}

func TestNext(t *testing.T) {
	t.Parallel()
	c, err := New("@every 10m", &counter{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := c.Next(now).Sub(now); got != 10*time.Minute {
		t.Fatalf("Next - now = %s", got)
	}
}

func TestRunNotifies(t *testing.T) {
	t.Parallel()
	n := &counter{}
	c, err := New("@every 1s", n, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for n.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if n.n.Load() == 0 || c.Ticks() == 0 {
		t.Fatal("checkpoint never notified")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	c, err := New("@hourly", &counter{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
