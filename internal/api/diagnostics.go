package api

import (
	"net/http"

	"github.com/convorelay/relay/internal/synth"
)

// DiagnosticsHandler reports synthesis queue pressure and span export
// counters for operators.
func DiagnosticsHandler(pipeline synth.PipelineDiagnosticsReader, exportStats func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		payload := map[string]any{}
		if pipeline != nil {
			payload["synthesis"] = pipeline.PipelineDiagnostics()
		}
		if exportStats != nil {
			payload["export"] = exportStats()
		}
		writeJSON(w, http.StatusOK, payload)
	})
}
