package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the dialogue engine within one turn.
const (
	EventText          = "text"
	EventDebug         = "debug"
	EventKnowledgeBase = "knowledgeBase"
	EventEnd           = "end"
)

// TraceEvent is one record from the dialogue engine's per-turn event list.
// Payload shape depends on Type; accessors decode it on demand and report
// whether the payload was usable.
type TraceEvent struct {
	Type    string          `json:"type"`
	Time    int64           `json:"time,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Timestamp converts the event's unix-millisecond time field.
// The second return is false when the engine omitted the timestamp.
func (e TraceEvent) Timestamp() (time.Time, bool) {
	if e.Time <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.Time).UTC(), true
}

type TextPayload struct {
	Message string `json:"message"`
	AI      bool   `json:"ai"`
}

func (e TraceEvent) Text() (TextPayload, bool) {
	if e.Type != EventText || len(e.Payload) == 0 {
		return TextPayload{}, false
	}
	var payload TextPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return TextPayload{}, false
	}
	return payload, true
}

// InvocationPayload is the structured parameter block some engines attach
// to debug events. All fields are optional; absence means the model did not
// run or the engine did not report the value.
type InvocationPayload struct {
	System       string   `json:"system,omitempty"`
	Assistant    string   `json:"assistant,omitempty"`
	Output       string   `json:"output,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	QueryTokens  *int     `json:"queryTokens,omitempty"`
	AnswerTokens *int     `json:"answerTokens,omitempty"`
	TotalTokens  *int     `json:"tokens,omitempty"`
	Multiplier   *float64 `json:"multiplier,omitempty"`
}

// NestedDebugEvent carries the structured variant of AI-invocation
// parameters inside a debug event. When present it takes precedence over
// values parsed out of the free-text message.
type NestedDebugEvent struct {
	Type    string            `json:"type"`
	Payload InvocationPayload `json:"payload"`
}

type DebugPayload struct {
	Message string            `json:"message"`
	Nested  *NestedDebugEvent `json:"nestedEvent,omitempty"`
}

func (e TraceEvent) Debug() (DebugPayload, bool) {
	if e.Type != EventDebug || len(e.Payload) == 0 {
		return DebugPayload{}, false
	}
	var payload DebugPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return DebugPayload{}, false
	}
	return payload, true
}

type KnowledgeQuery struct {
	Text   string `json:"text"`
	Output string `json:"output"`
}

type KnowledgeChunk struct {
	DocumentID   string         `json:"documentID"`
	DocumentName string         `json:"documentName"`
	Score        float64        `json:"score"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type KnowledgeBasePayload struct {
	Query  KnowledgeQuery   `json:"query"`
	Chunks []KnowledgeChunk `json:"chunks"`
}

func (e TraceEvent) KnowledgeBase() (KnowledgeBasePayload, bool) {
	if e.Type != EventKnowledgeBase || len(e.Payload) == 0 {
		return KnowledgeBasePayload{}, false
	}
	var payload KnowledgeBasePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return KnowledgeBasePayload{}, false
	}
	return payload, true
}

// Message returns the free-text message carried by a text or debug event,
// or "" when the event has none. Used by the synthesizer to recover the
// retrieval query issued immediately before a knowledge-base event.
func (e TraceEvent) Message() string {
	if text, ok := e.Text(); ok {
		return text.Message
	}
	if debug, ok := e.Debug(); ok {
		return debug.Message
	}
	return ""
}

// DecodeEvents normalizes the two response shapes the engine is known to
// return, a bare ordered array of events or an object with a "trace" array,
// into one ordered event list. Everything downstream of this function sees
// a single canonical shape.
func DecodeEvents(body []byte) ([]TraceEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var events []TraceEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode engine event array: %w", err)
		}
		return events, nil
	}

	var wrapped struct {
		Trace []TraceEvent `json:"trace"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode engine trace object: %w", err)
	}
	return wrapped.Trace, nil
}
