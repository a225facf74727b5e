// Package logging provides structured logging using slog.
package logging

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	SetupWriter(os.Stdout, cfg)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, cfg Config) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GenerateCorrelationID returns a 16 hex character ID tying together the log
// lines of one message delivery.
func GenerateCorrelationID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// TileLogger creates a logger with tile request context fields.
func TileLogger(correlationID, shard string, z, x, y uint32, attempt int) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"shard", shard,
		"z", z,
		"x", x,
		"y", y,
		"attempt", attempt,
	)
}

// WorkerLogger creates a logger with the consumer identity.
func WorkerLogger(consumer string) *slog.Logger {
	return slog.With("consumer", consumer)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
