package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	closer io.Closer
)

// Options controls where and how the global logger writes.
type Options struct {
	Level  string
	Format string // "json" (default) or "text"
	// File, when set, receives a copy of every record. Packaged builds have no
	// console, so this is the only place startup failures show up.
	File string
	// Console replaces stdout. io.Discard keeps a full-screen UI clean.
	Console io.Writer
}

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level, format string) {
	SetupWithOptions(Options{Level: level, Format: format})
}

// SetupWithOptions initializes the global logger once. Later calls are no-ops.
func SetupWithOptions(opts Options) {
	once.Do(func() {
		var console io.Writer = os.Stdout
		if opts.Console != nil {
			console = opts.Console
		}
		out := console
		if opts.File != "" {
			f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				out = io.MultiWriter(console, f)
				closer = f
			}
		}
		logger = slog.New(newHandler(out, opts.Level, opts.Format))
		slog.SetDefault(logger)
	})
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	hopts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, hopts)
	}
	return slog.NewJSONHandler(w, hopts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close releases the log file opened by SetupWithOptions, if any.
func Close() error {
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCycle returns a logger with the orchestration cycle id set.
func WithCycle(id string) *slog.Logger {
	return Get().With(slog.String("cycle_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
