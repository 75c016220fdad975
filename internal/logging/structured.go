package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (one JSON object per line)
// level: "debug", "info", "warn", "error"
// debugFile, when non-empty, receives a copy of every log line so raw
// payloads referenced in warnings (e.g. malformed result files) survive
// the process.
func InitStructured(format, level, debugFile string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var w io.Writer = os.Stderr
	if debugFile != "" {
		if err := os.MkdirAll(filepath.Dir(debugFile), 0o755); err == nil {
			if f, err := os.OpenFile(debugFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
