// Package util provides leveled logging and process-wide traffic counters.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetLevel sets the minimum level by name ("trace", "debug", "info",
// "warn", "error"). Unknown names leave the level unchanged and return false.
func SetLevel(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "verbose":
		pterm.DefaultLogger.Level = pterm.LogLevelTrace
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "info", "access":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	default:
		return false
	}
	return true
}

// lockedWriter serializes writes from concurrent loggers to a shared sink.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// TeeToFile mirrors every log line into the file at path (appending). Colors
// are disabled so the file stays readable. The returned function closes the
// file and restores the previous writer.
func TeeToFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	prev := pterm.DefaultLogger.Writer
	base := prev
	if base == nil {
		base = os.Stdout
	}

	pterm.DisableColor()
	pterm.DefaultLogger.Writer = &lockedWriter{w: io.MultiWriter(base, f)}

	return func() error {
		pterm.DefaultLogger.Writer = prev
		return f.Close()
	}, nil
}

// Logger prefixes every message with a component tag, e.g. "[broker] ...".
type Logger struct {
	prefix string
}

// NewLogger returns a Logger tagged with name.
func NewLogger(name string) *Logger {
	return &Logger{prefix: "[" + name + "] "}
}

// Fork returns a child logger whose tag extends this one: "[a] [b] ...".
func (l *Logger) Fork(name string) *Logger {
	return &Logger{prefix: l.prefix + "[" + name + "] "}
}

func (l *Logger) Debugf(format string, args ...interface{}) { LogDebug(l.prefix+format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { LogInfo(l.prefix+format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { LogWarning(l.prefix+format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { LogError(l.prefix+format, args...) }
