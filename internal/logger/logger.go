// Package logger is the relay's leveled, printf-style logger.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StderrPath selects standard error as the log sink.
const StderrPath = "-"

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns string representation of log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// sink is shared between a logger and the loggers derived from it with WithPrefix.
type sink struct {
	mu    sync.RWMutex
	level Level
	out   *log.Logger
	file  *os.File
}

// Logger writes leveled lines to a single sink.
type Logger struct {
	sink     *sink
	prefix   string
	disabled bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init replaces the global logger. It is called once from main, but tests may
// call it again to point the global logger at a temp file.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}

	globalMu.Lock()
	old := globalLogger
	globalLogger = l
	globalMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New creates a new Logger instance. An empty path or LevelNone discards
// output; StderrPath writes to standard error; anything else is opened in
// append mode.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	s := &sink{level: level}
	l := &Logger{sink: s, prefix: prefix}

	switch {
	case level == LevelNone || logPath == "":
		s.out = log.New(io.Discard, "", 0)
		l.disabled = true
		return l, nil
	case logPath == StderrPath:
		s.out = log.New(os.Stderr, "", 0)
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	s.file = file
	s.out = log.New(file, "", 0)
	return l, nil
}

// NewWriter creates a logger over an arbitrary writer. Used by tests.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		sink:   &sink{level: level, out: log.New(w, "", 0)},
		prefix: prefix,
	}
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = &Logger{
			sink:     &sink{level: LevelNone, out: log.New(io.Discard, "", 0)},
			disabled: true,
		}
	}
	return globalLogger
}

// WithPrefix derives a logger that tags every line with prefix. The derived
// logger shares level and output with its parent.
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{sink: l.sink, prefix: newPrefix, disabled: l.disabled}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()

	if l.disabled || level < l.sink.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	l.sink.out.Printf("%s [%s] %s%s", timestamp, level.String(), prefix, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.file == nil {
		return nil
	}
	err := l.sink.file.Close()
	l.sink.file = nil
	l.sink.out = log.New(io.Discard, "", 0)
	return err
}

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
