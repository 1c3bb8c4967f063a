package synth

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/convorelay/relay/internal/engine"
)

// RootSpanName is the name of every synthesized turn root.
const RootSpanName = "conversation_turn"

// Turn carries the request-side context of one conversation exchange.
// Events are attached separately so the synthesizer stays pure.
type Turn struct {
	UserID    string
	SessionID string
	VersionID string
	Origin    string
	Input     string
	Metadata  map[string]any
	Tags      []string
	StartedAt time.Time
	TokenMode string
}

// Synthesize reconstructs the span tree of one conversation turn from its
// trace events. The root span covers the whole exchange; model invocations
// and knowledge retrievals become children. Child spans borrow their start
// time from the previous event in the stream, since the engine only
// timestamps completions.
func Synthesize(turn Turn, events []engine.TraceEvent) *Span {
	root := &Span{
		Name:      RootSpanName,
		Kind:      KindChain,
		StartTime: turn.StartedAt,
		EndTime:   turn.StartedAt,
		Status:    StatusOK,
		Attributes: map[string]any{
			AttrSpanKind:   OpenInferenceKind(KindChain),
			AttrInputValue: turn.Input,
			AttrInputMime:  MimeText,
			AttrOutputMime: MimeText,
			AttrUserID:     turn.UserID,
			AttrEndOfTurn:  false,
		},
	}
	if turn.SessionID != "" {
		root.Attributes[AttrSessionID] = turn.SessionID
	}
	if turn.Origin != "" {
		root.Attributes[AttrOrigin] = turn.Origin
	}
	if turn.VersionID != "" {
		root.Attributes[AttrVersionID] = turn.VersionID
	}
	if len(turn.Metadata) > 0 {
		root.Attributes[AttrMetadata] = jsonString(turn.Metadata)
	}
	if len(turn.Tags) > 0 {
		root.Attributes[AttrTags] = jsonString(turn.Tags)
	}

	var assistantTexts []string
	prevTime := turn.StartedAt
	prevMessage := ""
	for _, ev := range events {
		eventTime, hasTime := ev.Timestamp()
		if !hasTime {
			eventTime = prevTime
		}
		if eventTime.After(root.EndTime) {
			root.EndTime = eventTime
		}

		switch c := Classify(ev, turn.TokenMode); c.Class {
		case ClassEndMarker:
			root.Attributes[AttrEndOfTurn] = true

		case ClassAssistantText:
			assistantTexts = append(assistantTexts, c.Text.Message)

		case ClassKnowledgeRetrieval:
			root.Children = append(root.Children, retrievalSpan(c.KnowledgeBase, prevMessage, prevTime, eventTime))

		case ClassModelInvocation:
			root.Children = append(root.Children, invocationSpan(c.Invocation, prevTime, eventTime))
		}

		prevTime = eventTime
		if msg := ev.Message(); msg != "" {
			prevMessage = msg
		}
	}

	root.Attributes[AttrOutputValue] = strings.Join(assistantTexts, "\n")
	return root
}

func invocationSpan(inv *Invocation, start, end time.Time) *Span {
	span := &Span{
		Name:      "llm",
		Kind:      KindLLM,
		StartTime: start,
		EndTime:   end,
		Status:    StatusOK,
		Attributes: map[string]any{
			AttrSpanKind:    OpenInferenceKind(KindLLM),
			AttrDebugSource: inv.Source,
		},
	}
	if inv.Model != "" {
		span.Name = inv.Model
		span.Attributes[AttrModelName] = inv.Model
	}
	if inv.QueryTokens != nil {
		span.Attributes[AttrPromptTokens] = *inv.QueryTokens
	}
	if inv.AnswerTokens != nil {
		span.Attributes[AttrAnswerTokens] = *inv.AnswerTokens
	}
	if inv.TotalTokens != nil {
		span.Attributes[AttrTotalTokens] = *inv.TotalTokens
	}
	if inv.ParseFailed {
		span.Attributes[AttrParseFailed] = true
	}

	params := map[string]any{}
	if inv.Temperature != nil {
		params["temperature"] = *inv.Temperature
	}
	if inv.MaxTokens != nil {
		params["max_tokens"] = *inv.MaxTokens
	}
	if inv.Multiplier != nil {
		params["multiplier"] = *inv.Multiplier
	}
	if len(params) > 0 {
		span.Attributes[AttrInvocation] = jsonString(params)
	}

	msgIdx := 0
	if inv.SystemPrompt != "" {
		span.Attributes[inputMessageKey(msgIdx, "role")] = "system"
		span.Attributes[inputMessageKey(msgIdx, "content")] = inv.SystemPrompt
		msgIdx++
	}
	if inv.AssistantPrompt != "" {
		span.Attributes[inputMessageKey(msgIdx, "role")] = "assistant"
		span.Attributes[inputMessageKey(msgIdx, "content")] = inv.AssistantPrompt
	}
	if inv.Output != "" {
		span.Attributes[AttrOutputValue] = inv.Output
		span.Attributes[AttrOutputMime] = MimeText
		span.Attributes[outputMessageKey(0, "role")] = "assistant"
		span.Attributes[outputMessageKey(0, "content")] = inv.Output
	}
	return span
}

func retrievalSpan(kb engine.KnowledgeBasePayload, prevMessage string, start, end time.Time) *Span {
	query := kb.Query.Text
	if query == "" {
		query = retrievalQuery(prevMessage)
	}

	span := &Span{
		Name:      "knowledge_base",
		Kind:      KindRetriever,
		StartTime: start,
		EndTime:   end,
		Status:    StatusOK,
		Attributes: map[string]any{
			AttrSpanKind:   OpenInferenceKind(KindRetriever),
			AttrInputValue: query,
			AttrInputMime:  MimeText,
		},
	}
	if kb.Query.Output != "" {
		span.Attributes[AttrOutputValue] = kb.Query.Output
		span.Attributes[AttrOutputMime] = MimeText
	}
	for i, chunk := range kb.Chunks {
		span.Attributes[retrievalDocumentKey(i, "id")] = chunk.DocumentID
		span.Attributes[retrievalDocumentKey(i, "score")] = chunk.Score
		if chunk.DocumentName != "" {
			span.Attributes[retrievalDocumentKey(i, "content")] = chunk.DocumentName
		}
		if len(chunk.Metadata) > 0 {
			span.Attributes[retrievalDocumentKey(i, "metadata")] = jsonString(chunk.Metadata)
		}
	}
	return span
}

// retrievalQuery recovers the lookup text from the debug message that
// precedes a knowledge-base event.
func retrievalQuery(message string) string {
	const prefix = "Query received:"
	if rest, ok := strings.CutPrefix(message, prefix); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(message)
}

// ChatMessage is one entry of a caller-supplied transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrNoAssistantMessage is returned when a transcript holds nothing the
// assistant said, leaving no output to record.
var ErrNoAssistantMessage = errors.New("transcript has no assistant message")

// TranscriptSpan builds a single llm span from a full chat transcript,
// for callers that log conversations wholesale instead of turn by turn.
// Assistant messages are the model's output, so only the system and user
// sides of the transcript become input messages.
func TranscriptSpan(turn Turn, messages []ChatMessage) (*Span, error) {
	var lastUser, lastAssistant string
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			lastUser = msg.Content
		case "assistant":
			lastAssistant = msg.Content
		}
	}
	if lastAssistant == "" {
		return nil, ErrNoAssistantMessage
	}

	span := &Span{
		Name:      RootSpanName,
		Kind:      KindLLM,
		StartTime: turn.StartedAt,
		EndTime:   time.Now(),
		Status:    StatusOK,
		Attributes: map[string]any{
			AttrSpanKind:    OpenInferenceKind(KindLLM),
			AttrInputValue:  lastUser,
			AttrInputMime:   MimeText,
			AttrOutputValue: lastAssistant,
			AttrOutputMime:  MimeText,
			AttrUserID:      turn.UserID,
		},
	}
	if turn.SessionID != "" {
		span.Attributes[AttrSessionID] = turn.SessionID
	}
	if len(turn.Metadata) > 0 {
		span.Attributes[AttrMetadata] = jsonString(turn.Metadata)
	}
	msgIdx := 0
	for _, msg := range messages {
		if msg.Role == "assistant" {
			continue
		}
		span.Attributes[inputMessageKey(msgIdx, "role")] = msg.Role
		span.Attributes[inputMessageKey(msgIdx, "content")] = msg.Content
		msgIdx++
	}
	span.Attributes[outputMessageKey(0, "role")] = "assistant"
	span.Attributes[outputMessageKey(0, "content")] = lastAssistant
	return span, nil
}

func jsonString(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
