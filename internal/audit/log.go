package audit

import (
	"context"
	"log/slog"
)

// LogSink mirrors events to a structured logger. It cannot be queried.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (l *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []any{"intentId", e.IntentID, "event", e.Name}
	for k, v := range Redact(e.Payload) {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

func (l *LogSink) Query(context.Context, string) ([]Event, error) { return nil, nil }

// Multi fans each event out to several sinks. Query is answered by the
// first sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Query(ctx context.Context, intentID string) ([]Event, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].Query(ctx, intentID)
}
