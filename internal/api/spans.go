package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/convorelay/relay/internal/registry"
)

type spanResponse struct {
	SpanID    string    `json:"span_id"`
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsCurrent bool      `json:"is_current"`
}

// RecentSpansHandler lists the ids of recently emitted root spans from the
// in-memory ring, newest first.
func RecentSpansHandler(ring *registry.Ring) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if ring == nil {
			writeJSON(w, http.StatusOK, map[string]any{"span_ids": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"span_ids": ring.Recent()})
	})
}

// SpanLookupHandler serves per-user span queries:
//
//	GET /api/spans/{userID}          list the user's spans
//	GET /api/spans/{userID}/current  the span the feedback cursor points at
//	GET /api/spans/{userID}/next     advance the cursor and return the span
func SpanLookupHandler(store registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "span registry is not configured")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/spans/")
		userID, op, _ := strings.Cut(rest, "/")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user id is required")
			return
		}

		switch op {
		case "":
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			records, err := store.ListSpans(r.Context(), userID, limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list spans")
				return
			}
			spans := make([]spanResponse, 0, len(records))
			for _, record := range records {
				spans = append(spans, toSpanResponse(record))
			}
			writeJSON(w, http.StatusOK, map[string]any{"spans": spans})

		case "current":
			record, err := store.CurrentSpan(r.Context(), userID)
			if err != nil {
				writeSpanLookupError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toSpanResponse(record))

		case "next":
			record, err := store.NextSpan(r.Context(), userID)
			if err != nil {
				writeSpanLookupError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toSpanResponse(record))

		default:
			http.NotFound(w, r)
		}
	})
}

func writeSpanLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "span not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to look up span")
}

func toSpanResponse(record registry.SpanRecord) spanResponse {
	return spanResponse{
		SpanID:    record.SpanID,
		UserID:    record.UserID,
		StartTime: record.StartTime,
		EndTime:   record.EndTime,
		IsCurrent: record.IsCurrent,
	}
}
