// Package enginelog provides a thread-safe, levelled logger backed by the
// standard library's log package, used for the stderr diagnostics every
// non-terminal failure produces (malformed frames, unknown change-log
// verbs, reconnects, idle-triggered re-logins).
package enginelog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO and ERROR messages.
	LevelInfo
	// LevelError emits only ERROR messages.
	LevelError
)

// Logger is a structured, levelled logger writing to stderr.
//
// Thread-safety: log.Logger serialises writes to the underlying io.Writer
// with its own mutex. Logger adds a second mutex only for the level field so
// SetLevel may be called concurrently with logging methods.
type Logger struct {
	infoLog *log.Logger
	errorLog *log.Logger
	debugLog *log.Logger
	mu sync.RWMutex
	level Level
}

// New creates a Logger that writes to stderr at the given minimum level.
func New(level Level) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	return &Logger{
		infoLog: log.New(os.Stderr, "INFO ", flags),
		errorLog: log.New(os.Stderr, "ERROR ", flags),
		debugLog: log.New(os.Stderr, "DEBUG ", flags),
		level: level,
	}
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) currentLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) {
	if l.currentLevel() <= LevelInfo {
		l.infoLog.Output(2, msg) //nolint:errcheck
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) {
	if l.currentLevel() <= LevelError {
		l.errorLog.Output(2, msg) //nolint:errcheck
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) {
	if l.currentLevel() <= LevelDebug {
		l.debugLog.Output(2, msg) //nolint:errcheck
	}
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
