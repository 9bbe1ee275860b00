// Package log provides the process-wide structured logger.
//
// Call sites pass a message followed by alternating key/value pairs:
//
//	log.Info("Generation propagated", "depth", 2, "created", 3)
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, "console", zerolog.InfoLevel)
)

// Configure sets the global level (trace, debug, info, warn, error) and
// output format (console, json).
func Configure(level, format string) {
	ConfigureWriter(os.Stderr, level, format)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	logger = newLogger(w, format, lvl)
	mu.Unlock()
}

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Trace logs at trace level.
func Trace(msg string, keyvals ...any) {
	emit(current().Trace(), msg, keyvals)
}

// Debug logs at debug level.
func Debug(msg string, keyvals ...any) {
	emit(current().Debug(), msg, keyvals)
}

// Info logs at info level.
func Info(msg string, keyvals ...any) {
	emit(current().Info(), msg, keyvals)
}

// Warn logs at warn level.
func Warn(msg string, keyvals ...any) {
	emit(current().Warn(), msg, keyvals)
}

// Error logs at error level.
func Error(msg string, keyvals ...any) {
	emit(current().Error(), msg, keyvals)
}

func emit(ev *zerolog.Event, msg string, keyvals []any) {
	if ev == nil {
		return
	}
	fields := make([]any, len(keyvals), len(keyvals)+1)
	copy(fields, keyvals)
	if len(fields)%2 != 0 {
		fields = append(fields, "(MISSING)")
	}
	for i := 0; i < len(fields); i += 2 {
		if err, ok := fields[i+1].(error); ok {
			fields[i+1] = err.Error()
		}
	}
	ev.Fields(fields).Msg(msg)
}
