// Package api exposes the relay's HTTP surface: conversation turns,
// transcript logging, span lookups, feedback, and operator diagnostics.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/convorelay/relay/internal/feedback"
	"github.com/convorelay/relay/internal/registry"
	"github.com/convorelay/relay/internal/relay"
	"github.com/convorelay/relay/internal/synth"
)

type RouterOptions struct {
	AppVersion     string
	Service        *relay.Service
	Pipeline       synth.PipelineDiagnosticsReader
	Ring           *registry.Ring
	Store          registry.Store
	Feedback       *feedback.Client
	RegistryDriver string
	RegistryPath   string
	ExportStats    func() any
	// OnQueueDrop is invoked when a turn's synthesis job cannot be queued.
	OnQueueDrop func()
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:        options.AppVersion,
		StartedAt:      startedAt,
		RegistryDriver: options.RegistryDriver,
		RegistryPath:   options.RegistryPath,
	}))
	mux.Handle("/api/trace", TurnHandler(options.Service, options.OnQueueDrop))
	mux.Handle("/api/interact", PassthroughHandler(options.Service))
	mux.Handle("/api/log", TranscriptHandler(options.Service))
	mux.Handle("/api/feedback", FeedbackHandler(options.Feedback))
	mux.Handle("/api/formfeedback", FormFeedbackHandler(options.Feedback))
	mux.Handle("/api/spans", RecentSpansHandler(options.Ring))
	mux.Handle("/api/spans/", SpanLookupHandler(options.Store))
	mux.Handle("/api/diagnostics", DiagnosticsHandler(options.Pipeline, options.ExportStats))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "convorelay",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	// Embedded chat widgets send their routing context as plain headers.
	allowedHeaders := []string{"Content-Type", "Authorization", "versionID", "userID", "sessionID"}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
