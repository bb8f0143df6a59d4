package hostevent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

const defaultClientTimeout = 2 * time.Second

// Send writes one event to the daemon socket and waits for its reply.
// Without a ctx deadline the exchange is bounded by 2s.
func Send(ctx context.Context, socket string, e Event) (Reply, error) {
	if err := e.Validate(); err != nil {
		return Reply{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultClientTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(e); err != nil {
		return Reply{}, err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Reply{}, err
	}
	var rep Reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return Reply{}, err
	}
	if !rep.OK {
		return rep, errors.New(rep.Error)
	}
	return rep, nil
}
