// Package logging provides structured logging for portal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Unknown levels fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a discarding logger when logger is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Bytes returns a humanized byte-count attribute ("1.0 MiB").
func Bytes(key string, n int64) slog.Attr {
	if n < 0 {
		return slog.Int64(key, n)
	}
	return slog.String(key, humanize.IBytes(uint64(n)))
}

// Common attribute keys for consistent logging.
const (
	KeySessionID  = "session_id"
	KeyTunnelID   = "tunnel_id"
	KeyConnID     = "conn_id"
	KeyStreamID   = "stream_id"
	KeyCandidate  = "candidate"
	KeyTarget     = "target"
	KeyState      = "state"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyBytesIn    = "bytes_in"
	KeyBytesOut   = "bytes_out"
	KeyCount      = "count"
)
