// Package relay orchestrates one conversation turn: forward the caller's
// utterance to the dialogue engine, hand back a sanitized reply, and queue
// the raw event stream for asynchronous span synthesis.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/convorelay/relay/internal/engine"
	"github.com/convorelay/relay/internal/synth"
)

// ErrNoMessage is returned when a turn request carries neither a message
// nor an explicit action.
var ErrNoMessage = errors.New("turn request has no message or action")

// TurnRequest is the caller's side of one conversation exchange.
type TurnRequest struct {
	Message   string         `json:"message"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	// Action overrides the default text action built from Message,
	// e.g. {"type":"launch"} to start a session.
	Action *engine.Action `json:"action,omitempty"`
}

// TurnResult carries the sanitized reply plus the synthesis job built
// from the unfiltered event stream. The job is queued separately via
// QueueTrace so the reply can be written to the caller first.
type TurnResult struct {
	StatusCode int
	Headers    http.Header
	Reply      []engine.TraceEvent

	job *synth.Job
}

// Options configures a relay service.
type Options struct {
	Engine    *engine.Client
	Pipeline  *synth.Pipeline
	Sink      synth.Emitter
	TokenMode string
	Tracing   bool
	Logger    *slog.Logger
}

type Service struct {
	engine    *engine.Client
	pipeline  *synth.Pipeline
	sink      synth.Emitter
	tokenMode string
	tracing   bool
	logger    *slog.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine client is required")
	}
	if opts.Tracing && opts.Pipeline == nil {
		return nil, fmt.Errorf("synthesis pipeline is required when tracing is enabled")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:    opts.Engine,
		pipeline:  opts.Pipeline,
		sink:      opts.Sink,
		tokenMode: opts.TokenMode,
		tracing:   opts.Tracing,
		logger:    logger,
	}, nil
}

// HandleTurn relays one turn to the dialogue engine. The returned reply
// has debug events stripped; the unfiltered stream is packaged into a
// synthesis job unless this is a launch action or tracing is off.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	action, err := resolveAction(req)
	if err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	startedAt := time.Now().UTC()
	upstream, err := s.engine.Interact(ctx, req.UserID, action, resolveMode(req.Mode))
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		StatusCode: upstream.StatusCode,
		Headers:    engine.SafeResponseHeaders(upstream.Headers),
		Reply:      engine.StripDebug(upstream.Events),
	}

	if s.tracing && action.Type != engine.ActionLaunch {
		result.job = &synth.Job{
			Turn: synth.Turn{
				UserID:    req.UserID,
				SessionID: req.SessionID,
				VersionID: s.engine.VersionID(),
				Origin:    req.Origin,
				Input:     req.Message,
				Metadata:  req.Metadata,
				Tags:      req.Tags,
				StartedAt: startedAt,
				TokenMode: s.tokenMode,
			},
			Events: upstream.Events,
		}
	}
	return result, nil
}

// QueueTrace hands the turn's synthesis job to the pipeline. Call it
// after the reply has been written; a full queue drops the job and
// returns false.
func (s *Service) QueueTrace(result *TurnResult) bool {
	if result == nil || result.job == nil {
		return false
	}
	accepted := s.pipeline.Enqueue(result.job)
	if !accepted {
		s.logger.Warn("synthesis queue full, dropping turn trace",
			"user_id", result.job.Turn.UserID,
		)
	}
	return accepted
}

// Passthrough forwards a raw interact payload unchanged and strips debug
// events from the reply. Passthrough turns are never traced: the relay
// cannot attribute an arbitrary payload to a single utterance.
func (s *Service) Passthrough(ctx context.Context, userID string, payload []byte, mode string) (*TurnResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	upstream, err := s.engine.Forward(ctx, userID, payload, resolveMode(mode))
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		StatusCode: upstream.StatusCode,
		Headers:    engine.SafeResponseHeaders(upstream.Headers),
		Reply:      engine.StripDebug(upstream.Events),
	}, nil
}

// TranscriptRequest logs a whole conversation at once instead of turn
// by turn.
type TranscriptRequest struct {
	UserID    string              `json:"userId"`
	SessionID string              `json:"sessionId,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
	Messages  []synth.ChatMessage `json:"messages"`
}

// LogTranscript emits a single span for a caller-supplied transcript and
// returns the span id, synchronously.
func (s *Service) LogTranscript(ctx context.Context, req TranscriptRequest) (string, error) {
	if s.sink == nil {
		return "", fmt.Errorf("tracing sink is not configured")
	}
	if req.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	span, err := synth.TranscriptSpan(synth.Turn{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
		StartedAt: time.Now().UTC(),
	}, req.Messages)
	if err != nil {
		return "", err
	}
	return s.sink.Emit(ctx, span)
}

func resolveAction(req TurnRequest) (engine.Action, error) {
	if req.Action != nil {
		if req.Action.Type == "" {
			return engine.Action{}, fmt.Errorf("action type is required")
		}
		return *req.Action, nil
	}
	if req.Message == "" {
		return engine.Action{}, ErrNoMessage
	}
	return engine.Action{Type: engine.ActionText, Payload: req.Message}, nil
}

func resolveMode(mode string) engine.Mode {
	if mode == string(engine.ModeWidget) {
		return engine.ModeWidget
	}
	return engine.ModeAPI
}
