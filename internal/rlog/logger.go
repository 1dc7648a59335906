// Package rlog provides the process-wide structured logger used by every
// long-lived component of the miner: the Farm, each Miner's search loop,
// the work-source drivers, and the telemetry handler.
package rlog

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var global atomic.Pointer[slog.Logger]

func init() {
	global.Store(New(Config{Level: "info", Format: "text", Output: os.Stderr}))
}

// Config controls how New builds a logger.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // text, color, json
	Output io.Writer // defaults to os.Stderr when nil
	Quiet  bool      // force level to error regardless of Level
	Verbose bool     // force level to debug regardless of Level
}

// New builds a *slog.Logger from cfg without installing it globally.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := parseLevel(cfg.Level, cfg.Verbose, cfg.Quiet)
	handler := createHandler(cfg.Format, cfg.Output, level)
	return slog.New(handler)
}

// NewFromMinerConfig builds the process logger from the logging section
// of the loaded configuration (level, format, quiet, verbose keys).
func NewFromMinerConfig(level, format string, verbose, quiet bool) *slog.Logger {
	return New(Config{Level: level, Format: format, Verbose: verbose, Quiet: quiet, Output: os.Stderr})
}

// Get returns the current global logger.
func Get() *slog.Logger {
	return global.Load()
}

// Set installs logger as the global logger.
func Set(logger *slog.Logger) {
	global.Store(logger)
}

// SetDefault installs cfg as the global logger, returning it.
func SetDefault(cfg Config) *slog.Logger {
	logger := New(cfg)
	Set(logger)
	return logger
}

func parseLevel(level string, verbose, quiet bool) slog.Level {
	if quiet {
		return slog.LevelError
	}
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "", "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// Info logs through the global logger.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs through the global logger.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs through the global logger.
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Debug logs through the global logger.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Fatal logs an error then exits the process with status 1. Only the
// Supervisor's top-level startup path should call this.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// WithComponent returns a child logger tagged with a "component" attribute,
// the convention every long-lived goroutine in this module follows so log
// lines can be filtered by subsystem.
func WithComponent(name string) *slog.Logger {
	return Get().With("component", name)
}
