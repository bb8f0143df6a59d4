package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a structured logger bound to a swappable root.
//
// Loggers derived from a Service follow every Service.Apply. The zero value
// discards everything.
type Logger struct {
	src    *atomic.Pointer[zerolog.Logger]
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{} }

func fixed(zl zerolog.Logger) Logger {
	p := new(atomic.Pointer[zerolog.Logger])
	p.Store(&zl)
	return Logger{src: p}
}

// NewConsole returns a standalone human-readable logger on stderr.
func NewConsole(level string) Logger {
	setGlobals()
	return fixed(zerolog.New(consoleWriter(Stderr(), false)).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger())
}

// NewWriter returns a standalone JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	return fixed(zerolog.New(w).Level(ParseLevel(level, LevelDebug)).With().Timestamp().Logger())
}

func (l Logger) IsZero() bool { return l.src == nil }

func (l Logger) root() *zerolog.Logger {
	if l.src == nil {
		return nil
	}
	return l.src.Load()
}

// Enabled reports whether records at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return zl != nil && level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

// With returns a child logger that adds fields to every record.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.root()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip write + the level method
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}
