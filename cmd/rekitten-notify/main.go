// rekitten-notify forwards one kitty watcher event to the rekitten daemon.
//
// A kitty watcher script calls it from on_load, on_tab_bar_dirty, on_close
// and on_focus_change, e.g.
//
//	rekitten-notify -type focus_change -window 3 -focused
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"rekitten/internal/config"
	"rekitten/internal/transport/hostevent"
)

func main() {
	var (
		socket  string
		typ     string
		window  int
		focused bool
		status  bool
		timeout time.Duration
	)
	flag.StringVar(&socket, "socket", config.DefaultSocketPath(), "daemon socket path")
	flag.StringVar(&typ, "type", "", "event type: load, tab_bar_dirty, close, focus_change")
	flag.IntVar(&window, "window", 0, "kitty window id")
	flag.BoolVar(&focused, "focused", false, "window gained focus (focus_change only)")
	flag.BoolVar(&status, "status", false, "print daemon status and exit")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "request timeout")
	flag.Parse()

	e := hostevent.Event{
		Type:     hostevent.Type(typ),
		WindowID: window,
		Focused:  focused,
		At:       time.Now(),
	}
	if status {
		e = hostevent.Event{Type: hostevent.TypeStatus}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	rep, err := hostevent.Send(ctx, socket, e)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rekitten-notify:", err)
		os.Exit(1)
	}
	if status {
		fmt.Println(string(rep.Status))
	}
}
