package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode selects which upstream credential the relay presents. Widget mode
// is used for embedded chat surfaces, API mode for direct callers.
type Mode string

const (
	ModeAPI    Mode = "api"
	ModeWidget Mode = "widget"
)

const maxResponseBytes = 8 << 20

// ErrUpstream marks dialogue-engine failures. Callers match with errors.Is
// and map it to a 500-class client response.
var ErrUpstream = errors.New("dialogue engine request failed")

// UpstreamError reports a non-success status from the dialogue engine.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dialogue engine request failed with status %d", e.StatusCode)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Action is the engine-side representation of what the user did this turn.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	ActionText   = "text"
	ActionLaunch = "launch"
)

type interactConfig struct {
	TTS          bool     `json:"tts"`
	StripSSML    bool     `json:"stripSSML"`
	StopAll      bool     `json:"stopAll"`
	ExcludeTypes []string `json:"excludeTypes"`
}

type interactRequest struct {
	Action    Action         `json:"action"`
	Config    interactConfig `json:"config"`
	VersionID string         `json:"versionID,omitempty"`
}

// InteractResult is the decoded upstream reply for one turn.
type InteractResult struct {
	StatusCode int
	Headers    http.Header
	Events     []TraceEvent
}

type Options struct {
	Domain       string
	VersionID    string
	APIKey       string
	WidgetKey    string
	Timeout      time.Duration
	ExcludeTypes []string
	Transport    http.RoundTripper
	Logger       *slog.Logger
}

// Client talks to the dialogue engine's state/interact API.
type Client struct {
	baseURL      string
	versionID    string
	apiKey       string
	widgetKey    string
	excludeTypes []string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewClient(options Options) (*Client, error) {
	domain := strings.TrimSpace(options.Domain)
	if domain == "" {
		return nil, errors.New("engine domain is required")
	}
	if strings.Contains(domain, "://") {
		return nil, fmt.Errorf("engine domain must be a bare host (got %q)", options.Domain)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      "https://" + domain,
		versionID:    strings.TrimSpace(options.VersionID),
		apiKey:       options.APIKey,
		widgetKey:    options.WidgetKey,
		excludeTypes: options.ExcludeTypes,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: options.Transport,
		},
		logger: logger,
	}, nil
}

// BaseURL returns the engine origin, used by the public passthrough proxy.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// VersionID returns the engine project version this client pins its turns
// to, or "" when the upstream default applies.
func (c *Client) VersionID() string {
	return c.versionID
}

// Interact runs one conversational turn for userID. The turn configuration
// excludes trace categories the relay never uses so the upstream reply
// stays small.
func (c *Client) Interact(ctx context.Context, userID string, action Action, mode Mode) (*InteractResult, error) {
	body, err := json.Marshal(interactRequest{
		Action: action,
		Config: interactConfig{
			TTS:          false,
			StripSSML:    true,
			StopAll:      true,
			ExcludeTypes: c.excludeTypes,
		},
		VersionID: c.versionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode interact request: %w", err)
	}
	return c.post(ctx, userID, body, mode)
}

// Forward relays a caller-supplied interact payload unchanged. Used by the
// plain passthrough endpoint, which does no trace synthesis.
func (c *Client) Forward(ctx context.Context, userID string, payload []byte, mode Mode) (*InteractResult, error) {
	return c.post(ctx, userID, payload, mode)
}

func (c *Client) post(ctx context.Context, userID string, body []byte, mode Mode) (*InteractResult, error) {
	if strings.TrimSpace(userID) == "" {
		userID = "unknown"
	}
	endpoint := c.baseURL + "/state/user/" + url.PathEscape(userID) + "/interact"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build interact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.versionID != "" {
		req.Header.Set("versionID", c.versionID)
	}
	if key := c.credential(mode); key != "" {
		req.Header.Set("Authorization", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read interact response: %w", err)
	}
	events, err := DecodeEvents(raw)
	if err != nil {
		return nil, err
	}

	return &InteractResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Events:     events,
	}, nil
}

func (c *Client) credential(mode Mode) string {
	if mode == ModeWidget && c.widgetKey != "" {
		return c.widgetKey
	}
	return c.apiKey
}
