// Package logging provides structured logging for the crosslock resolver daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log so call sites depend on this package only.
type Logger struct {
	*log.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string
	Output io.Writer
}

// New creates a logger with the given configuration.
func New(cfg *Config) *Logger {
	output := io.Writer(os.Stderr)
	level := "info"
	if cfg != nil {
		if cfg.Output != nil {
			output = cfg.Output
		}
		if cfg.Level != "" {
			level = cfg.Level
		}
	}

	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	logger.SetLevel(ParseLevel(level))

	return &Logger{Logger: logger}
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a logger with the given key-value pairs attached.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}

// Component returns a logger prefixed with a component name.
func (l *Logger) Component(name string) *Logger {
	sub := l.Logger.With()
	sub.SetPrefix(name)
	return &Logger{Logger: sub}
}

var defaultLogger = New(nil)

// SetDefault sets the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}
