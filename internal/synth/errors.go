package synth

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error class constants for span emit failure classification.
const (
	EmitErrorClassConnection = "connection"
	EmitErrorClassTimeout    = "timeout"
	EmitErrorClassRejected   = "rejected"
	EmitErrorClassUnknown    = "unknown"
)

// ClassifyEmitError maps a span emit error to one of the defined error
// classes so operators can alert on failure categories rather than opaque
// Go type names.
func ClassifyEmitError(err error) string {
	if err == nil {
		return EmitErrorClassUnknown
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return EmitErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return EmitErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return EmitErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return EmitErrorClassConnection
	}

	// String-based classification for wrapped errors where type
	// information is lost.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return EmitErrorClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return EmitErrorClassTimeout
	case isRejectedString(msg):
		return EmitErrorClassRejected
	}

	return EmitErrorClassUnknown
}

// isRejectedString matches refusals where the backend answered but turned
// the submission down, as OTLP exporters surface response statuses in the
// error text.
func isRejectedString(msg string) bool {
	return strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "unprocessable") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rejected")
}
