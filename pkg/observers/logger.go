package observers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/scribehub/pkg/metrics"
	"github.com/harunnryd/scribehub/pkg/redact"
)

// LoggerObserver writes metrics events to a logger. Overflow and failure
// events are logged at warn, everything else at debug. String fields pass
// through PII redaction.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With(slog.String("component", "metrics"))}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range redact.Fields(ev.Fields) {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), levelFor(ev.Name), "metrics", attrs...)
}

func levelFor(name string) slog.Level {
	if strings.HasSuffix(name, "_overflow") || strings.HasSuffix(name, "_failed") {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that supports it and returns the first error.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
