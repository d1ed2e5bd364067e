package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger writes each event as a structured slog record.
type Logger struct {
	logger *slog.Logger
}

var _ Sink = (*Logger)(nil)

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "audit")}
}

func (l *Logger) Record(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	switch {
	case evt.Action.Anomaly():
		level = slog.LevelError
	case !evt.Success:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event", string(evt.Action)),
		slog.String("event_id", evt.ID),
		slog.String("source", evt.Source),
		slog.Bool("success", evt.Success),
		slog.String("timestamp", evt.Timestamp.UTC().Format(time.RFC3339)),
	}
	if evt.IdentityRef != "" {
		attrs = append(attrs, slog.String("identity", evt.IdentityRef))
	}
	if evt.Details != "" {
		attrs = append(attrs, slog.String("details", evt.Details))
	}
	l.logger.LogAttrs(ctx, level, "audit", attrs...)
}
