package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convorelay/relay/internal/config"
	"github.com/convorelay/relay/internal/engine"
	"github.com/convorelay/relay/internal/feedback"
	"github.com/convorelay/relay/internal/registry"
	"github.com/convorelay/relay/internal/relay"
	"github.com/convorelay/relay/internal/synth"
)

const engineReply = `[
	{"type": "debug", "payload": {"message": "Model: ` + "`gpt-4o`" + `"}},
	{"type": "text", "payload": {"message": "hello there", "ai": true}},
	{"type": "end"}
]`

type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type memorySink struct {
	mu    sync.Mutex
	count int
}

func (s *memorySink) Emit(ctx context.Context, root *synth.Span) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return "sink-span-id", nil
}

type fakeStore struct {
	records  map[string][]registry.SpanRecord
	nextErr  error
	listErr  error
	advanced int
}

func (s *fakeStore) RecordSpan(ctx context.Context, record registry.SpanRecord) error { return nil }

func (s *fakeStore) CurrentSpan(ctx context.Context, userID string) (registry.SpanRecord, error) {
	for _, record := range s.records[userID] {
		if record.IsCurrent {
			return record, nil
		}
	}
	return registry.SpanRecord{}, registry.ErrNotFound
}

func (s *fakeStore) NextSpan(ctx context.Context, userID string) (registry.SpanRecord, error) {
	if s.nextErr != nil {
		return registry.SpanRecord{}, s.nextErr
	}
	s.advanced++
	records := s.records[userID]
	if len(records) < 2 {
		return registry.SpanRecord{}, registry.ErrNotFound
	}
	return records[1], nil
}

func (s *fakeStore) ListSpans(ctx context.Context, userID string, limit int) ([]registry.SpanRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	records := s.records[userID]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

func (s *fakeStore) Close() error { return nil }

type routerFixture struct {
	handler  http.Handler
	pipeline *synth.Pipeline
	sink     *memorySink
	ring     *registry.Ring
	store    *fakeStore
	drops    *int
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	engineServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(engineReply))
	}))
	t.Cleanup(engineServer.Close)

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	target, err := url.Parse(engineServer.URL)
	if err != nil {
		t.Fatalf("parse engine URL: %v", err)
	}
	engineClient, err := engine.NewClient(engine.Options{
		Domain:    "engine.example.com",
		APIKey:    "key",
		Transport: rewriteTransport{target: target},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	sink := &memorySink{}
	pipeline := synth.NewPipeline(sink, 8)
	pipeline.Start(context.Background())
	t.Cleanup(func() { _ = pipeline.Shutdown(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service, err := relay.NewService(relay.Options{
		Engine:    engineClient,
		Pipeline:  pipeline,
		Sink:      sink,
		TokenMode: config.TokenModeRaw,
		Tracing:   true,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	feedbackClient, err := feedback.NewClient(feedback.Options{
		Endpoint: collector.URL + "/v1/span_annotations",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("feedback.NewClient: %v", err)
	}

	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{records: map[string][]registry.SpanRecord{
		"user-a": {
			{SpanID: "span-new", UserID: "user-a", StartTime: base.Add(time.Minute), EndTime: base.Add(2 * time.Minute), IsCurrent: true},
			{SpanID: "span-old", UserID: "user-a", StartTime: base, EndTime: base.Add(30 * time.Second)},
		},
	}}

	ring := registry.NewRing(10)
	drops := 0
	handler := NewRouter(RouterOptions{
		AppVersion:     "1.2.3-test",
		Service:        service,
		Pipeline:       pipeline,
		Ring:           ring,
		Store:          store,
		Feedback:       feedbackClient,
		RegistryDriver: "sqlite",
		RegistryPath:   "/nonexistent/spans.db",
		ExportStats:    func() any { return map[string]int{"exported_total": 4} },
		OnQueueDrop:    func() { drops++ },
	})

	return &routerFixture{
		handler:  handler,
		pipeline: pipeline,
		sink:     sink,
		ring:     ring,
		store:    store,
		drops:    &drops,
	}
}

func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootInfo(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	info := decodeJSON[map[string]string](t, rec)
	if info["name"] != "convorelay" || info["version"] != "1.2.3-test" {
		t.Errorf("info = %v", info)
	}

	if rec := f.do(t, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodOptions, "/api/trace", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "userID") {
		t.Errorf("allow-headers = %q", got)
	}
}

func TestHealth(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	health := decodeJSON[map[string]any](t, rec)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
	if health["registry_driver"] != "sqlite" {
		t.Errorf("registry_driver = %v", health["registry_driver"])
	}

	if rec := f.do(t, http.MethodPost, "/api/health", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST health status = %d, want 405", rec.Code)
	}
}

func TestTurnEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/trace", `{"message": "hi", "userId": "user-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	events := decodeJSON[[]engine.TraceEvent](t, rec)
	if len(events) != 2 {
		t.Fatalf("reply has %d events, want debug stripped", len(events))
	}
	for _, ev := range events {
		if ev.Type == engine.EventDebug {
			t.Error("debug event in reply")
		}
	}

	// The synthesis job was queued after the reply; drain and check it
	// reached the sink.
	if err := f.pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	f.sink.mu.Lock()
	count := f.sink.count
	f.sink.mu.Unlock()
	if count != 1 {
		t.Errorf("sink emits = %d, want 1", count)
	}
	if *f.drops != 0 {
		t.Errorf("queue drops = %d, want 0", *f.drops)
	}
}

func TestTurnEndpointValidation(t *testing.T) {
	f := newRouterFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/trace", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/trace", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/trace", `{"userId": "u"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("no message status = %d, want 400", rec.Code)
	}
}

func TestTurnEndpointUpstreamFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	target, err := url.Parse(failing.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	engineClient, err := engine.NewClient(engine.Options{
		Domain:    "engine.example.com",
		APIKey:    "key",
		Transport: rewriteTransport{target: target},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	service, err := relay.NewService(relay.Options{
		Engine: engineClient,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	handler := TurnHandler(service, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/trace", strings.NewReader(`{"message": "hi", "userId": "u"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	body := decodeJSON[map[string]string](t, rec)
	if !strings.Contains(body["error"], "dialogue engine") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestPassthroughEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/interact", strings.NewReader(`{"action": {"type": "launch"}}`))
	req.Header.Set("userID", "user-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	events := decodeJSON[[]engine.TraceEvent](t, rec)
	if len(events) != 2 {
		t.Errorf("reply has %d events, want debug stripped", len(events))
	}

	if rec := f.do(t, http.MethodPost, "/api/interact", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user id status = %d, want 400", rec.Code)
	}

	// Query parameter works as a fallback for the user id.
	if rec := f.do(t, http.MethodPost, "/api/interact?userId=user-2", `{}`); rec.Code != http.StatusOK {
		t.Errorf("query user id status = %d, want 200", rec.Code)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/log", `{
		"userId": "user-1",
		"messages": [
			{"role": "user", "content": "ping"},
			{"role": "assistant", "content": "pong"}
		]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	body := decodeJSON[map[string]string](t, rec)
	if body["span_id"] != "sink-span-id" {
		t.Errorf("span_id = %q", body["span_id"])
	}

	rec = f.do(t, http.MethodPost, "/api/log", `{
		"userId": "user-1",
		"messages": [{"role": "user", "content": "only me"}]
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no assistant message status = %d, want 400", rec.Code)
	}
}

func TestRecentSpansEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	f.ring.Add("span-1")
	f.ring.Add("span-2")

	rec := f.do(t, http.MethodGet, "/api/spans", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSON[map[string][]string](t, rec)
	if got := body["span_ids"]; len(got) != 2 || got[0] != "span-2" {
		t.Errorf("span_ids = %v, want newest first", got)
	}
}

func TestSpanLookupEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/spans/user-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decodeJSON[map[string][]spanResponse](t, rec)
	if got := list["spans"]; len(got) != 2 || got[0].SpanID != "span-new" {
		t.Errorf("spans = %v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/spans/user-a/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("current status = %d", rec.Code)
	}
	current := decodeJSON[spanResponse](t, rec)
	if current.SpanID != "span-new" || !current.IsCurrent {
		t.Errorf("current = %+v", current)
	}

	rec = f.do(t, http.MethodGet, "/api/spans/user-a/next", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("next status = %d", rec.Code)
	}
	next := decodeJSON[spanResponse](t, rec)
	if next.SpanID != "span-old" {
		t.Errorf("next = %+v", next)
	}
	if f.store.advanced != 1 {
		t.Errorf("store advanced %d times, want 1", f.store.advanced)
	}

	if rec := f.do(t, http.MethodGet, "/api/spans/ghost/current", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/spans/user-a/bogus", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown op status = %d, want 404", rec.Code)
	}
	// The mux redirects double slashes, so hit the handler directly for
	// the empty-user case.
	direct := SpanLookupHandler(f.store)
	req := httptest.NewRequest(http.MethodGet, "/api/spans/", nil)
	rec2 := httptest.NewRecorder()
	direct.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("empty user status = %d, want 400", rec2.Code)
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/feedback", `{"data": []}`)
	if rec.Code != http.StatusOK {
		t.Errorf("feedback status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/formfeedback?spanId=abc&score=1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("formfeedback status = %d, body = %s", rec.Code, rec.Body)
	}

	if rec := f.do(t, http.MethodGet, "/api/formfeedback?score=1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing span id status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/formfeedback?spanId=abc&score=7", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad score status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/formfeedback?spanId=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing score status = %d, want 400", rec.Code)
	}
}

func TestFeedbackUpstreamFailure(t *testing.T) {
	t.Parallel()

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "annotation store down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(collector.Close)

	client, err := feedback.NewClient(feedback.Options{Endpoint: collector.URL + "/v1/span_annotations"})
	if err != nil {
		t.Fatalf("feedback.NewClient: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(`{"data": []}`))
	rec := httptest.NewRecorder()
	FeedbackHandler(client).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("feedback status = %d, want 500", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/formfeedback?spanId=abc&score=-1", nil)
	rec = httptest.NewRecorder()
	FormFeedbackHandler(client).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("formfeedback status = %d, want 500", rec.Code)
	}
}

func TestFeedbackUnconfigured(t *testing.T) {
	handler := FeedbackHandler(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/diagnostics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSON[map[string]any](t, rec)
	synthesis, ok := body["synthesis"].(map[string]any)
	if !ok {
		t.Fatalf("synthesis section missing: %v", body)
	}
	if _, ok := synthesis["queue_capacity"]; !ok {
		t.Errorf("synthesis diagnostics = %v", synthesis)
	}
	export, ok := body["export"].(map[string]any)
	if !ok || export["exported_total"] != float64(4) {
		t.Errorf("export section = %v", body["export"])
	}
}
