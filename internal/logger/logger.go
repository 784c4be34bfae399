package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log line
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	SILENT
)

var levelNames = map[Level]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// Logger writes "[LEVEL] [Module] message" lines at or above a minimum level
type Logger struct {
	mu    sync.RWMutex
	level Level
	out   *log.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(INFO, os.Stderr)
)

// New creates a logger writing to w
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		level: level,
		out:   log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// Init replaces the process-wide logger
func Init(level Level, w io.Writer) {
	l := New(level, w)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetLevel changes the minimum level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Level returns the minimum level
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) logf(level Level, module, format string, args ...interface{}) {
	if level < l.Level() || level >= SILENT {
		return
	}
	prefix := "[" + levelNames[level] + "]"
	if module != "" {
		prefix += " [" + module + "]"
	}
	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module, format string, args ...interface{}) {
	l.logf(DEBUG, module, format, args...)
}

func (l *Logger) Info(module, format string, args ...interface{}) {
	l.logf(INFO, module, format, args...)
}

func (l *Logger) Warn(module, format string, args ...interface{}) {
	l.logf(WARN, module, format, args...)
}

func (l *Logger) Error(module, format string, args ...interface{}) {
	l.logf(ERROR, module, format, args...)
}

// Debug logs through the process-wide logger
func Debug(module, format string, args ...interface{}) {
	Default().Debug(module, format, args...)
}

// Info logs through the process-wide logger
func Info(module, format string, args ...interface{}) {
	Default().Info(module, format, args...)
}

// Warn logs through the process-wide logger
func Warn(module, format string, args ...interface{}) {
	Default().Warn(module, format, args...)
}

// Error logs through the process-wide logger
func Error(module, format string, args ...interface{}) {
	Default().Error(module, format, args...)
}

// ParseLevel maps a config string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
