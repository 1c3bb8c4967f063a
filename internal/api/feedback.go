package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/convorelay/relay/internal/feedback"
)

// FeedbackHandler forwards a caller-built annotation payload to the
// collector, passing the caller's Authorization header through.
func FeedbackHandler(client *feedback.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if client == nil {
			writeError(w, http.StatusServiceUnavailable, "feedback is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if err := client.Submit(r.Context(), body, r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to submit feedback")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// FormFeedbackHandler accepts thumbs votes as a plain GET so feedback
// links can be embedded in rendered chat messages.
func FormFeedbackHandler(client *feedback.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if client == nil {
			writeError(w, http.StatusServiceUnavailable, "feedback is not configured")
			return
		}

		spanID := r.URL.Query().Get("spanId")
		if spanID == "" {
			spanID = r.URL.Query().Get("span_id")
		}
		if spanID == "" {
			writeError(w, http.StatusBadRequest, "spanId is required")
			return
		}

		score, err := strconv.Atoi(r.URL.Query().Get("score"))
		if err != nil || (score != 1 && score != -1) {
			writeError(w, http.StatusBadRequest, "score must be 1 or -1")
			return
		}

		if err := client.SubmitVote(r.Context(), spanID, score); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to submit feedback")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
