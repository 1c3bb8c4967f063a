package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no span matches the lookup.
var ErrNotFound = errors.New("registry: span not found")

// SpanRecord is one persisted root-span reference. IsCurrent marks the
// span a user's feedback cursor points at; each user has at most one.
type SpanRecord struct {
	SpanID    string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	IsCurrent bool
}

// Store persists span references per user. Implementations are safe for
// concurrent use.
type Store interface {
	// RecordSpan saves a span and makes it the user's current span,
	// clearing any previous current marker.
	RecordSpan(ctx context.Context, record SpanRecord) error
	// CurrentSpan returns the span the user's cursor points at.
	CurrentSpan(ctx context.Context, userID string) (SpanRecord, error)
	// NextSpan advances the user's cursor to the next older span and
	// returns it. ErrNotFound when there is no older span.
	NextSpan(ctx context.Context, userID string) (SpanRecord, error)
	// ListSpans returns the user's spans, newest first, up to limit.
	ListSpans(ctx context.Context, userID string, limit int) ([]SpanRecord, error)
	Close() error
}
