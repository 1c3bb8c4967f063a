package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/convorelay/relay/internal/engine"
	"github.com/convorelay/relay/internal/relay"
	"github.com/convorelay/relay/internal/synth"
)

const maxRequestBytes = 1 << 20

// TurnHandler relays one conversation turn. The sanitized reply is written
// before the synthesis job is queued, so tracing can never delay or fail
// the caller's response.
func TurnHandler(service *relay.Service, onQueueDrop func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "relay service is not configured")
			return
		}

		var req relay.TurnRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := service.HandleTurn(r.Context(), req)
		if err != nil {
			writeTurnError(w, err)
			return
		}

		mirrorHeaders(w, result.Headers)
		writeJSON(w, http.StatusOK, replyEvents(result.Reply))

		if result != nil && !service.QueueTrace(result) && onQueueDrop != nil {
			onQueueDrop()
		}
	})
}

// PassthroughHandler forwards a raw interact payload for callers that
// build their own engine requests, such as the embedded widget.
func PassthroughHandler(service *relay.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "relay service is not configured")
			return
		}

		userID := r.Header.Get("userID")
		if userID == "" {
			userID = r.URL.Query().Get("userId")
		}
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user id is required")
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		result, err := service.Passthrough(r.Context(), userID, payload, r.URL.Query().Get("mode"))
		if err != nil {
			writeTurnError(w, err)
			return
		}

		mirrorHeaders(w, result.Headers)
		writeJSON(w, http.StatusOK, replyEvents(result.Reply))
	})
}

// TranscriptHandler records a whole conversation as a single span and
// returns its id, synchronously.
func TranscriptHandler(service *relay.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "relay service is not configured")
			return
		}

		var req relay.TranscriptRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		spanID, err := service.LogTranscript(r.Context(), req)
		if err != nil {
			if errors.Is(err, synth.ErrNoAssistantMessage) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to record transcript")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"span_id": spanID})
	})
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	return decoder.Decode(dst)
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrNoMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUpstream):
		writeError(w, http.StatusInternalServerError, "dialogue engine request failed")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func mirrorHeaders(w http.ResponseWriter, headers http.Header) {
	for name, values := range headers {
		// writeJSON owns the Content-Type of the relayed body.
		if http.CanonicalHeaderKey(name) == "Content-Type" {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
}

func replyEvents(events []engine.TraceEvent) []engine.TraceEvent {
	if events == nil {
		return []engine.TraceEvent{}
	}
	return events
}
