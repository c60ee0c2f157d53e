// Package xlog provides the structured logger used across the translation
// core. It wraps log/slog the way the teacher's own log package does:
// named "modules" can be toggled independently so a caller can, say, trace
// the linker without drowning in translator chatter.
package xlog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Module names used by the translation core. Kept as constants so callers
// don't typo a module name into permanent silence.
const (
	Translator = "translator"
	TC         = "tc"
	Linker     = "linker"
	Exception  = "exception"
	Dispatcher = "dispatcher"
	MemPort    = "memport"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelCrit  = slog.Level(12)
)

// Logger is the interface the rest of the core logs through.
type Logger interface {
	With(args ...any) Logger
	Trace(module, msg string, args ...any)
	Debug(module, msg string, args ...any)
	Info(module, msg string, args ...any)
	Warn(module, msg string, args ...any)
	Error(module, msg string, args ...any)
	Crit(module, msg string, args ...any)
	Enabled(level slog.Level) bool
}

type logger struct {
	inner *slog.Logger
}

// New returns a Logger backed by h.
func New(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) With(args ...any) Logger {
	return &logger{inner: l.inner.With(args...)}
}

func (l *logger) Enabled(level slog.Level) bool {
	return l.inner.Enabled(context.Background(), level)
}

func (l *logger) write(level slog.Level, module, msg string, args ...any) {
	if !moduleEnabled(module) || !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add("module", module)
	r.Add(args...)
	_ = l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) Trace(module, msg string, args ...any) { l.write(LevelTrace, module, msg, args...) }
func (l *logger) Debug(module, msg string, args ...any) { l.write(LevelDebug, module, msg, args...) }
func (l *logger) Info(module, msg string, args ...any)  { l.write(LevelInfo, module, msg, args...) }
func (l *logger) Warn(module, msg string, args ...any)  { l.write(LevelWarn, module, msg, args...) }
func (l *logger) Error(module, msg string, args ...any) { l.write(LevelError, module, msg, args...) }
func (l *logger) Crit(module, msg string, args ...any) {
	l.write(LevelCrit, module, msg, args...)
	os.Exit(1)
}

var root atomic.Value

func init() {
	root.Store(New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: LevelInfo})))
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l Logger) { root.Store(l) }

// Root returns the process-wide default logger.
func Root() Logger { return root.Load().(Logger) }

var enabledModules = map[string]bool{
	Translator: true,
	TC:         true,
	Linker:     true,
	Exception:  true,
	Dispatcher: true,
	MemPort:    true,
}

// EnableModule turns on logging for module.
func EnableModule(module string) { enabledModules[module] = true }

// DisableModule silences module, regardless of level.
func DisableModule(module string) { enabledModules[module] = false }

func moduleEnabled(module string) bool {
	enabled, ok := enabledModules[module]
	return !ok || enabled
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	switch s {
	case "trace", "TRACE":
		return LevelTrace, nil
	case "crit", "CRIT", "critical":
		return LevelCrit, nil
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return 0, err
		}
		return l, nil
	}
}
