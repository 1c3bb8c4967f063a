package proxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/convorelay/relay/internal/correlation"
)

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := correlation.FromContext(r.Context()); !ok {
			t.Error("no correlation id on request context")
		}
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger, next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/trace", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(correlation.HeaderName); got == "" {
		t.Error("correlation header not echoed to the client")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "request complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != "POST" || entry["path"] != "/api/trace" {
		t.Errorf("log entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Errorf("status field = %v", entry["status"])
	}
	if entry["correlation_id"] == "" {
		t.Error("correlation_id field empty")
	}
}

func TestLoggingMiddlewarePreservesIncomingCorrelationID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(correlation.HeaderName, "caller-chosen-id")

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger, http.NotFoundHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get(correlation.HeaderName); got != "caller-chosen-id" {
		t.Errorf("echoed correlation id = %q, want caller's value", got)
	}
}

func TestStatusResponseWriterImplicitOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w := newStatusResponseWriter(rec)

	if _, err := w.Write([]byte("body")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.StatusCode() != http.StatusOK {
		t.Errorf("StatusCode() = %d, want 200", w.StatusCode())
	}

	rec2 := httptest.NewRecorder()
	w2 := newStatusResponseWriter(rec2)
	w2.WriteHeader(http.StatusNotFound)
	w2.WriteHeader(http.StatusOK)
	if w2.StatusCode() != http.StatusNotFound {
		t.Errorf("StatusCode() = %d, want first status kept", w2.StatusCode())
	}
}
