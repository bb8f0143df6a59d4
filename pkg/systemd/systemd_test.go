package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestReadyAndStopping(t *testing.T) {
	conn := listenNotify(t)
	n := New(true)
	if sent, err := n.Ready(); err != nil || !sent {
		t.Fatalf("Ready = %v, %v", sent, err)
	}
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	if _, err := n.Status("saves=3"); err != nil {
		t.Fatal(err)
	}
	if got := read(t, conn); got != "STATUS=saves=3" {
		t.Fatalf("got %q", got)
	}
	if _, err := n.Stopping(); err != nil {
		t.Fatal(err)
	}
	if got := read(t, conn); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	listenNotify(t)
	n := New(false)
	if sent, err := n.Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v", sent, err)
	}
	if d := n.WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval = %s", d)
	}
	var nilN *Notifier
	if sent, err := nilN.Ready(); sent || err != nil {
		t.Fatalf("nil Ready = %v, %v", sent, err)
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", "")
	n := New(true)
	if d := n.WatchdogInterval(); d != 50*time.Millisecond {
		t.Fatalf("WatchdogInterval = %s", d)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, func() bool { return true }) }()
	if got := read(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
