package engine

import "net/http"

// StripDebug removes debug-classified events from a client-facing reply.
// Debug internals (prompts, token counts, model parameters) must never
// reach the caller; the unfiltered list is still handed to trace synthesis.
func StripDebug(events []TraceEvent) []TraceEvent {
	if len(events) == 0 {
		return nil
	}
	sanitized := make([]TraceEvent, 0, len(events))
	for _, event := range events {
		if event.Type == EventDebug {
			continue
		}
		sanitized = append(sanitized, event)
	}
	return sanitized
}

// Response headers safe to mirror back to the caller. Everything else the
// upstream sets (auth echoes, infra headers) is dropped.
var safeResponseHeaders = []string{"Content-Type", "Cache-Control", "Expires"}

// SafeResponseHeaders selects the subset of upstream response headers the
// relay mirrors to the client.
func SafeResponseHeaders(upstream http.Header) http.Header {
	mirrored := make(http.Header, len(safeResponseHeaders))
	for _, name := range safeResponseHeaders {
		for _, value := range upstream.Values(name) {
			mirrored.Add(name, value)
		}
	}
	return mirrored
}
