// Package logutil configures the process-wide structured logger. The
// gateway logs everything through log/slog; this package owns the level
// filter and an optional tee (a second writer that receives a copy of every
// log line; no caller in the gateway installs one) in front of the real
// slog text handler.
package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu        sync.Mutex
	tee       io.Writer
	minLevel  = new(slog.LevelVar)
	installed bool
)

// Configure sets the minimum log level ("debug", "info", "warn", "error")
// and installs the process-wide slog handler. Safe to call more than once;
// later calls only change the level.
func Configure(levelRaw string) error {
	level, err := parseLevel(levelRaw)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	minLevel.Set(level)
	if !installed {
		handler := slog.NewTextHandler(&teeWriter{}, &slog.HandlerOptions{Level: minLevel})
		slog.SetDefault(slog.New(handler))
		installed = true
	}
	return nil
}

func parseLevel(levelRaw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace", "trac":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "erro":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
}

// SetOutputTee mirrors every log line written to stderr to w as well. No
// component of the gateway calls it; the admin WebSocket carries only pool
// change events. Passing nil disables the tee.
func SetOutputTee(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	tee = w
}

// teeWriter fans writes out to stderr and, if set, the configured tee.
type teeWriter struct{}

func (teeWriter) Write(p []byte) (int, error) {
	mu.Lock()
	t := tee
	mu.Unlock()
	if t != nil {
		_, _ = t.Write(p)
	}
	return os.Stderr.Write(p)
}
