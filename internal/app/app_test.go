package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rekitten/internal/transport/hostevent"
)

const lsOutput = `[{"id":1,"tabs":[{"id":1,"windows":[{"id":1},{"id":2}]}]}]`

func fakeKitty(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(lsOutput), nil
}

func writeConfig(t *testing.T, extra string) (cfgPath, socket, state string) {
	t.Helper()
	// unix socket paths are limited to ~100 bytes; TempDir can be long.
	sockDir, err := os.MkdirTemp("", "rk")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	dir := t.TempDir()
	socket = filepath.Join(sockDir, "d.sock")
	state = filepath.Join(dir, "state", "session.json")
	cfgPath = filepath.Join(dir, "rekitten.yaml")
	body := fmt.Sprintf(`
debounce: 200ms
startup_grace: 20ms
listen:
  socket: %s
storage:
  driver: file
  path: %s
  keep: 2
logging:
  level: debug
  console: false
  file:
    enabled: true
    path: %s
%s`, socket, state, filepath.Join(dir, "rekitten.log"), extra)
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, socket, state
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func send(t *testing.T, socket string, e hostevent.Event) hostevent.Reply {
	t.Helper()
	rep, err := hostevent.Send(context.Background(), socket, e)
	if err != nil {
		t.Fatalf("Send(%s): %v", e.Type, err)
	}
	return rep
}

func TestAppEndToEnd(t *testing.T) {
	cfgPath, socket, state := writeConfig(t, "")
	a, err := NewApp(cfgPath, WithRunner(fakeKitty))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	}()

	send(t, socket, hostevent.Event{Type: hostevent.TypeLoad})
	waitFor(t, "grace window to start", func() bool {
		_, ok := a.Scheduler().Gate().StartedAt()
		return ok
	})
	waitFor(t, "grace window to end", func() bool { return !a.Scheduler().Gate().Suppressed() })

	send(t, socket, hostevent.Event{Type: hostevent.TypeTabBarDirty})
	waitFor(t, "first save", func() bool { return a.Scheduler().Stats().Saves == 1 })

	snap, err := a.Store().Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.Tabs != 1 || snap.Windows != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatalf("state file: %v", err)
	}

	// Focus loss must not notify; focus gain within the interval defers.
	send(t, socket, hostevent.Event{Type: hostevent.TypeFocusChange, WindowID: 1})
	send(t, socket, hostevent.Event{Type: hostevent.TypeFocusChange, WindowID: 1, Focused: true})
	waitFor(t, "focus notify", func() bool { return a.Scheduler().Stats().Notifies == 2 })

	rep := send(t, socket, hostevent.Event{Type: hostevent.TypeStatus})
	var st Status
	if err := json.Unmarshal(rep.Status, &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Socket != socket || st.Scheduler.Notifies != 2 || st.Debounce != "200ms" {
		t.Fatalf("status = %+v", st)
	}

	stopped = true
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The deferred save either fired or was flushed on exit.
	if got := a.Scheduler().Stats().Saves; got != 2 {
		t.Fatalf("saves = %d, want 2", got)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("socket should be removed, stat err = %v", err)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rekitten.json")
	if err := os.WriteFile(path, []byte(`{"debounce":"0s"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected non-positive debounce to fail")
	}
}

func TestStartFailsOnLiveSocket(t *testing.T) {
	cfgPath, _, _ := writeConfig(t, "")
	a, err := NewApp(cfgPath, WithRunner(fakeKitty))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	b, err := NewApp(cfgPath, WithRunner(fakeKitty))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("second daemon should not take over a live socket")
	}
	_ = b.Stop(context.Background(), StopAppStop)
}
