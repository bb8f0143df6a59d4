package hostevent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "rekitten/pkg/logx"
)

const (
	maxLineBytes = 64 * 1024
	replyTimeout = 2 * time.Second
)

// Handler receives decoded host events.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// StatusFunc renders the daemon status for TypeStatus requests.
type StatusFunc func() any

// Server accepts shim connections on a unix socket.
type Server struct {
	path   string
	h      Handler
	status StatusFunc
	log    logx.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(path string, h Handler, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{path: path, h: h, status: status, log: log, conns: map[net.Conn]struct{}{}}
}

func (s *Server) Path() string { return s.path }

// Listen binds the socket. A stale socket file left by a crashed daemon is
// replaced; a live one is reported as an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err == nil {
		c, derr := net.DialTimeout("unix", s.path, 200*time.Millisecond)
		if derr == nil {
			_ = c.Close()
			return fmt.Errorf("socket %s is in use (another rekittend running?)", s.path)
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	_ = os.Chmod(s.path, 0o600)

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", logx.String("socket", s.path))
	return nil
}

// Serve accepts connections until ctx is done, then closes the listener,
// open connections, and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("hostevent: Serve called before Listen")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", logx.Err(err))
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
	_ = c.Close()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
		_ = os.Remove(s.path)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.reply(conn, enc, Reply{Error: "decode: " + err.Error()})
			continue
		}
		if err := ev.Validate(); err != nil {
			s.log.Debug("rejected host event", logx.Err(err))
			s.reply(conn, enc, Reply{Error: err.Error()})
			continue
		}
		if ev.Type == TypeStatus {
			s.reply(conn, enc, s.statusReply())
			continue
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}

		s.reply(conn, enc, Reply{OK: true})
		if err := s.h.HandleEvent(ctx, ev); err != nil {
			s.log.Warn("host event failed", logx.String("type", string(ev.Type)), logx.Err(err))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("connection read failed", logx.Err(err))
	}
}

func (s *Server) statusReply() Reply {
	if s.status == nil {
		return Reply{OK: true}
	}
	b, err := json.Marshal(s.status())
	if err != nil {
		return Reply{Error: "status: " + err.Error()}
	}
	return Reply{OK: true, Status: b}
}

// reply is best-effort: fire-and-forget shims close without reading.
func (s *Server) reply(conn net.Conn, enc *json.Encoder, r Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	if err := enc.Encode(r); err != nil {
		s.log.Trace("reply dropped", logx.Err(err))
	}
}
