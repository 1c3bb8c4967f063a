package synth

import (
	"strconv"
	"time"
)

// Kind tags a synthesized span with its role in the turn.
type Kind string

const (
	KindChain     Kind = "chain"
	KindLLM       Kind = "llm"
	KindRetriever Kind = "retriever"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Span is one timed, attributed unit of the reconstructed trace. A turn
// produces one root span owning zero or more ordered children; the sink
// adapter maps this tree onto the tracing backend's wire model.
type Span struct {
	Name          string
	Kind          Kind
	StartTime     time.Time
	EndTime       time.Time
	Status        Status
	StatusMessage string
	Attributes    map[string]any
	Children      []*Span
}

// OpenInference semantic-convention attribute keys used on emitted spans.
// The collector indexes on these names; keep them aligned with the
// openinference specification rather than inventing local variants.
const (
	AttrSpanKind     = "openinference.span.kind"
	AttrInputValue   = "input.value"
	AttrInputMime    = "input.mime_type"
	AttrOutputValue  = "output.value"
	AttrOutputMime   = "output.mime_type"
	AttrSessionID    = "session.id"
	AttrUserID       = "user.id"
	AttrMetadata     = "metadata"
	AttrTags         = "tag.tags"
	AttrEndOfTurn    = "conversation.end_of_turn"
	AttrOrigin       = "conversation.origin"
	AttrVersionID    = "engine.version_id"
	AttrModelName    = "llm.model_name"
	AttrPromptTokens = "llm.token_count.prompt"
	AttrAnswerTokens = "llm.token_count.completion"
	AttrTotalTokens  = "llm.token_count.total"
	AttrInvocation   = "llm.invocation_parameters"
	AttrDebugSource  = "debug.event_type"
	AttrParseFailed  = "debug.parse_failed"

	MimeJSON = "application/json"
	MimeText = "text/plain"
)

// OpenInference span-kind attribute values.
const (
	SpanKindChain     = "CHAIN"
	SpanKindLLM       = "LLM"
	SpanKindRetriever = "RETRIEVER"
)

// OpenInferenceKind maps the internal span kind onto the collector's
// span-kind vocabulary.
func OpenInferenceKind(kind Kind) string {
	switch kind {
	case KindLLM:
		return SpanKindLLM
	case KindRetriever:
		return SpanKindRetriever
	default:
		return SpanKindChain
	}
}

func retrievalDocumentKey(index int, field string) string {
	return "retrieval.documents." + strconv.Itoa(index) + ".document." + field
}

func outputMessageKey(index int, field string) string {
	return "llm.output_messages." + strconv.Itoa(index) + ".message." + field
}

func inputMessageKey(index int, field string) string {
	return "llm.input_messages." + strconv.Itoa(index) + ".message." + field
}
