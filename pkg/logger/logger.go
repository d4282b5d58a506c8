// Package logger is the process-wide leveled logger used by the agent.
//
// Output is backed by zerolog. When the destination is an interactive
// terminal, lines are rendered in a human readable console format; otherwise
// one JSON object is written per line so log collectors can parse them.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int8

const (
	// LevelTrace enables extremely verbose logs (raw frames, FSM inputs, etc).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
	// LevelFatal enables only fatal logs. Fatal logs never exit the process.
	LevelFatal
)

// String returns the canonical lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]any

var (
	mu    sync.RWMutex
	level = LevelInfo
	base  = newBase(os.Stderr, LevelInfo)
)

func init() {
	// Thresholds are enforced per logger; zerolog's own global floor would
	// otherwise hide trace output.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

func newBase(w io.Writer, lvl Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl.zerolog())
}

// SetOutput replaces the writer used by the global logger. A nil writer
// restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newBase(w, level)
}

// SetLevel sets the global log level threshold.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	base = base.Level(lvl.zerolog())
}

// GetLevel returns the current global threshold.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(lvl Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return lvl >= level
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Logger is a lightweight handle carrying structured fields. The zero value
// logs without extra fields.
type Logger struct {
	fields Fields
}

// With returns a package-level Logger carrying fields.
func With(fields Fields) Logger {
	return Logger{}.With(fields)
}

// Named returns a Logger tagged with a component name.
func Named(component string) Logger {
	return With(Fields{"component": component})
}

// With returns a copy of l with additional fields. Later keys win.
func (l Logger) With(fields Fields) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return Logger{fields: merged}
}

func (l Logger) logf(lvl Level, format string, args ...any) {
	zl := current()
	ev := zl.WithLevel(lvl.zerolog())
	if ev == nil {
		return
	}
	if len(l.fields) > 0 {
		ev = ev.Fields(map[string]any(l.fields))
	}
	ev.Msgf(format, args...)
}

// Tracef logs at TRACE level.
func (l Logger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }

// Debugf logs at DEBUG level.
func (l Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Infof logs at INFO level.
func (l Logger) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warnf logs at WARN level.
func (l Logger) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Errorf logs at ERROR level.
func (l Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) { Logger{}.logf(LevelTrace, format, args...) }

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) { Logger{}.logf(LevelDebug, format, args...) }

// Infof logs at INFO level.
func Infof(format string, args ...any) { Logger{}.logf(LevelInfo, format, args...) }

// Warnf logs at WARN level.
func Warnf(format string, args ...any) { Logger{}.logf(LevelWarn, format, args...) }

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) { Logger{}.logf(LevelError, format, args...) }
