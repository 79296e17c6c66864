// Package logging provides the printf-style logging contract used across the
// server, backed by zerolog with console or JSON rendering and optional
// rotating file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can substitute a recorder or Nop().
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Options configures the process-wide root logger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "console" or "json". Defaults to console.
	Format string
	// FilePath, when set, additionally writes JSON logs to a rotating file.
	FilePath string
	// MaxSizeMB and MaxBackups bound the rotating file sink.
	MaxSizeMB  int
	MaxBackups int
}

var (
	rootMu sync.RWMutex
	root   = newRoot(Options{})
)

// Setup configures the root logger. Call once at startup before any
// component logger emits.
func Setup(opts Options) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = newRoot(opts)
}

func newRoot(opts Options) zerolog.Logger {
	level := parseLevel(opts.Level)

	var sinks []io.Writer
	if strings.EqualFold(opts.Format, "json") {
		sinks = append(sinks, os.Stderr)
	} else {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(level).
		With().Timestamp().Logger()
}

func parseLevel(value string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the root logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) emit(ev *zerolog.Event, format string, args []any) {
	if l.component != "" {
		ev = ev.Str("component", l.component)
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	rootMu.RLock()
	defer rootMu.RUnlock()
	l.emit(root.Debug(), format, args)
}

func (l *componentLogger) Info(format string, args ...any) {
	rootMu.RLock()
	defer rootMu.RUnlock()
	l.emit(root.Info(), format, args)
}

func (l *componentLogger) Warn(format string, args ...any) {
	rootMu.RLock()
	defer rootMu.RUnlock()
	l.emit(root.Warn(), format, args)
}

func (l *componentLogger) Error(format string, args ...any) {
	rootMu.RLock()
	defer rootMu.RUnlock()
	l.emit(root.Error(), format, args)
}
