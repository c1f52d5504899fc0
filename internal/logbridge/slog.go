package logbridge

import (
	"context"
	"log/slog"
	"strings"
)

// SlogSink forwards lines to a structured logger. The severity label is
// mapped back onto a slog level.
type SlogSink struct {
	Logger *slog.Logger
	// Attrs are attached to every record, typically the sandbox name.
	Attrs []slog.Attr
}

// NewSlogSink returns a sink writing to logger, or slog.Default() if nil.
func NewSlogSink(logger *slog.Logger, attrs ...slog.Attr) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger, Attrs: attrs}
}

// Log implements Sink.
func (s *SlogSink) Log(_ any, line string) {
	label, msg := splitLine(line)
	s.Logger.LogAttrs(context.Background(), slogLevel(label), msg, s.Attrs...)
}

func splitLine(line string) (label, msg string) {
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(line, "[") {
		return labels[SeverityDebug], line
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return labels[SeverityDebug], line
	}
	return line[1:end], line[end+2:]
}

func slogLevel(label string) slog.Level {
	switch label {
	case "panic", "alert", "crit", "error":
		return slog.LevelError
	case "warning":
		return slog.LevelWarn
	case "notice", "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
