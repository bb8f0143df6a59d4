// Package systemd reports daemon state to systemd (Type=notify units).
//
// Every call is a no-op when NOTIFY_SOCKET is unset, so the daemon behaves
// the same when started from a shell.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	enabled bool
}

func New(enabled bool) *Notifier { return &Notifier{enabled: enabled} }

func (n *Notifier) send(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		return false, fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return sent, nil
}

func (n *Notifier) Ready() (bool, error)    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by "systemctl status".
func (n *Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// WatchdogInterval returns half of WatchdogSec, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd until ctx is done. alive is consulted before each
// ping; a false result skips the ping so systemd can restart a wedged daemon.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
