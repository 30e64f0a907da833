// Package logging provides structured logging for lanelink.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger creates a logger writing to stderr. Unknown levels fall back to
// info and unknown formats to text; use ParseLevel and ParseFormat to reject
// them up front.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if f, _ := ParseFormat(format); f == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel converts debug, info, warn or error to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// ParseFormat normalizes a log format name.
func ParseFormat(format string) (string, error) {
	switch f := strings.ToLower(format); f {
	case FormatText, FormatJSON:
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", format)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger tagged with the component name, or a discarding
// logger tagged the same way when logger is nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Common attribute keys for consistent logging.
const (
	KeyPeerID       = "peer_id"
	KeyRequestID    = "request_id"
	KeyTraceID      = "trace_id"
	KeyLinkType     = "link_type"
	KeyActualType   = "actual_type"
	KeyLinkID       = "link_id"
	KeyGuide        = "guide"
	KeyGuideIndex   = "guide_index"
	KeyLadder       = "ladder"
	KeyAdapter      = "adapter"
	KeyAdapterReqID = "adapter_request_id"
	KeyReason       = "reason"
	KeyCategory     = "category"
	KeyBusiness     = "business"
	KeyState        = "state"
	KeyOwnerPID     = "owner_pid"
	KeyError        = "error"
	KeyComponent    = "component"
	KeyDuration     = "duration"
	KeyCount        = "count"
	KeyAddress      = "address"
)
