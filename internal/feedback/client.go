// Package feedback forwards human span annotations to the collector's
// annotation endpoint.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Annotation is one span annotation in the collector's wire format.
type Annotation struct {
	SpanID        string           `json:"span_id"`
	Name          string           `json:"name"`
	AnnotatorKind string           `json:"annotator_kind"`
	Result        AnnotationResult `json:"result"`
}

type AnnotationResult struct {
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation,omitempty"`
}

type envelope struct {
	Data []Annotation `json:"data"`
}

// Options configures a feedback client.
type Options struct {
	// Endpoint is the full annotation URL, e.g.
	// http://localhost:6006/v1/span_annotations.
	Endpoint string
	// APIKey, when set, is sent as a bearer token unless the caller
	// supplies its own Authorization value.
	APIKey    string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("feedback endpoint is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   opts.APIKey,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: opts.Transport,
		},
		logger: logger,
	}, nil
}

// Submit forwards a caller-built annotation body unchanged. authorization,
// when non-empty, overrides the configured API key for this request.
func (c *Client) Submit(ctx context.Context, body []byte, authorization string) error {
	return c.post(ctx, body, authorization)
}

// SubmitVote annotates a span with a thumbs up or down. score must be
// 1 or -1.
func (c *Client) SubmitVote(ctx context.Context, spanID string, score int) error {
	if spanID == "" {
		return fmt.Errorf("span id is required")
	}
	var label string
	switch score {
	case 1:
		label = "\U0001F44D"
	case -1:
		label = "\U0001F44E"
	default:
		return fmt.Errorf("score must be 1 or -1, got %d", score)
	}

	body, err := json.Marshal(envelope{Data: []Annotation{{
		SpanID:        spanID,
		Name:          "vote",
		AnnotatorKind: "HUMAN",
		Result:        AnnotationResult{Label: label, Score: float64(score)},
	}}})
	if err != nil {
		return fmt.Errorf("encode vote annotation: %w", err)
	}
	return c.post(ctx, body, "")
}

func (c *Client) post(ctx context.Context, body []byte, authorization string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build annotation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case authorization != "":
		req.Header.Set("Authorization", authorization)
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send annotation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		c.logger.Warn("annotation rejected",
			"status", resp.StatusCode,
			"endpoint", c.endpoint,
		)
		return fmt.Errorf("annotation endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return nil
}
