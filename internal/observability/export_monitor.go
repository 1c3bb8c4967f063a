package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// monitoredExporter wraps a SpanExporter and records delivery failures.
// Span export runs in the SDK's async batch goroutine, so a collector
// outage is invisible to request handlers; the monitor turns it into log
// lines and counters operators can alert on.
type monitoredExporter struct {
	wrapped sdktrace.SpanExporter
	logger  *slog.Logger

	exportedTotal     atomic.Int64
	failedTotal       atomic.Int64
	lastFailureUnixNS atomic.Int64
}

func newMonitoredExporter(wrapped sdktrace.SpanExporter, logger *slog.Logger) *monitoredExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &monitoredExporter{wrapped: wrapped, logger: logger}
}

func (e *monitoredExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.wrapped.ExportSpans(ctx, spans)
	if err != nil {
		e.failedTotal.Add(int64(len(spans)))
		e.lastFailureUnixNS.Store(time.Now().UTC().UnixNano())
		e.logger.Warn("span export failed",
			"span_count", len(spans),
			"error", err,
		)
		return err
	}
	e.exportedTotal.Add(int64(len(spans)))
	return nil
}

func (e *monitoredExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// ExportStats is a point-in-time snapshot of span delivery counters.
type ExportStats struct {
	ExportedTotal int64      `json:"exported_total"`
	FailedTotal   int64      `json:"failed_total"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

func (e *monitoredExporter) Stats() ExportStats {
	stats := ExportStats{
		ExportedTotal: e.exportedTotal.Load(),
		FailedTotal:   e.failedTotal.Load(),
	}
	if ts := e.lastFailureUnixNS.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		stats.LastFailureAt = &last
	}
	return stats
}
