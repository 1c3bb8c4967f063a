package feedback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, server *httptest.Server, apiKey string) *Client {
	t.Helper()
	client, err := NewClient(Options{
		Endpoint: server.URL + "/v1/span_annotations",
		APIKey:   apiKey,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Options{}); err == nil {
		t.Error("NewClient without endpoint: err = nil, want error")
	}
}

func TestSubmitVote(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server, "collector-key")
	if err := client.SubmitVote(context.Background(), "abc123", 1); err != nil {
		t.Fatalf("SubmitVote: %v", err)
	}

	if gotPath != "/v1/span_annotations" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer collector-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotBody.Data) != 1 {
		t.Fatalf("len(data) = %d, want 1", len(gotBody.Data))
	}
	annotation := gotBody.Data[0]
	if annotation.SpanID != "abc123" {
		t.Errorf("span_id = %q", annotation.SpanID)
	}
	if annotation.Name != "vote" || annotation.AnnotatorKind != "HUMAN" {
		t.Errorf("annotation = %+v", annotation)
	}
	if annotation.Result.Label != "\U0001F44D" || annotation.Result.Score != 1 {
		t.Errorf("result = %+v", annotation.Result)
	}
}

func TestSubmitVoteDown(t *testing.T) {
	t.Parallel()

	var gotBody envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	if err := client.SubmitVote(context.Background(), "abc123", -1); err != nil {
		t.Fatalf("SubmitVote: %v", err)
	}
	if got := gotBody.Data[0].Result; got.Label != "\U0001F44E" || got.Score != -1 {
		t.Errorf("result = %+v", got)
	}
}

func TestSubmitVoteValidation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := newTestClient(t, server, "")
	if err := client.SubmitVote(context.Background(), "", 1); err == nil {
		t.Error("empty span id: err = nil, want error")
	}
	if err := client.SubmitVote(context.Background(), "abc", 0); err == nil {
		t.Error("score 0: err = nil, want error")
	}
	if err := client.SubmitVote(context.Background(), "abc", 5); err == nil {
		t.Error("score 5: err = nil, want error")
	}
}

func TestSubmitForwardsAuthorization(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	client := newTestClient(t, server, "configured-key")
	body := []byte(`{"data": [{"span_id": "x", "name": "note", "annotator_kind": "HUMAN", "result": {"label": "ok", "score": 1}}]}`)
	if err := client.Submit(context.Background(), body, "Bearer caller-key"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotAuth != "Bearer caller-key" {
		t.Errorf("Authorization = %q, want the caller's value to win", gotAuth)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body = %s, want passthrough", gotBody)
	}
}

func TestSubmitNoAuthorizationWhenUnconfigured(t *testing.T) {
	t.Parallel()

	var gotAuth string
	sawAuth := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, sawAuth = r.Header["Authorization"]
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	if err := client.Submit(context.Background(), []byte(`{"data": []}`), ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sawAuth {
		t.Errorf("Authorization = %q, want unset", gotAuth)
	}
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad annotation", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	err := client.Submit(context.Background(), []byte(`{}`), "")
	if err == nil {
		t.Fatal("Submit on 422: err = nil, want error")
	}
	if !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "bad annotation") {
		t.Errorf("err = %v, want status and detail", err)
	}
}
