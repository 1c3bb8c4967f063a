package synth

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/convorelay/relay/internal/config"
	"github.com/convorelay/relay/internal/engine"
)

// Invocation is the normalized AI-invocation parameter record recovered
// from a debug event. Nil numeric fields mean the engine did not report a
// value, or the embedded fragment failed to parse (ParseFailed is set in
// the latter case). Absence is a legitimate state, not an error.
type Invocation struct {
	Model           string
	Temperature     *float64
	MaxTokens       *int
	QueryTokens     *int
	AnswerTokens    *int
	TotalTokens     *int
	Multiplier      *float64
	SystemPrompt    string
	AssistantPrompt string
	Output          string
	Source          string
	ParseFailed     bool
}

// Debug markers. Values are backtick-delimited; the token-consumption
// fragment is pseudo-JSON with bare keys and possibly single-quoted
// strings.
var (
	modelMarker       = regexp.MustCompile("Model: `(.*?)`")
	rawTokenMarker    = regexp.MustCompile("Token Consumption: `({.*?})`")
	postTokenMarker   = regexp.MustCompile("Post-Multiplier Token Consumption: `({.*?})`")
	temperatureMarker = regexp.MustCompile("Temperature: `(.*?)`")
	maxTokensMarker   = regexp.MustCompile("Max Tokens: `(.*?)`")
	multiplierMarker  = regexp.MustCompile("Multiplier: `(.*?)`")

	bareKeyPattern = regexp.MustCompile(`(\w+):`)
)

// A matcher inspects one free-text message and fills the fields it
// recognizes. Matchers are independent and fallible: a new debug-message
// convention is a new entry in the chain, never a change to existing ones.
type matcher func(message string, inv *Invocation) bool

func matchers(tokenMode string) []matcher {
	tokenMarker := rawTokenMarker
	if tokenMode == config.TokenModePostMultiplier {
		tokenMarker = postTokenMarker
	}
	return []matcher{
		matchModel,
		matchTokenConsumption(tokenMarker),
		matchTemperature,
		matchMaxTokens,
		matchMultiplier,
	}
}

// ExtractParams parses a debug message into an Invocation. The second
// return is false when no known marker matched at all. A marker that
// matched but carried an unparseable fragment still counts as a match:
// the event is an AI invocation even if its numbers are lost.
func ExtractParams(message string, tokenMode string) (*Invocation, bool) {
	inv := &Invocation{Source: "message"}
	matched := false
	for _, match := range matchers(tokenMode) {
		if match(message, inv) {
			matched = true
		}
	}
	if !matched {
		return nil, false
	}
	return inv, true
}

// ExtractInvocation resolves the parameters of one debug event. The
// structured nested payload, when present, wins field by field over the
// text-parsed values.
func ExtractInvocation(payload engine.DebugPayload, tokenMode string) *Invocation {
	inv, matched := ExtractParams(payload.Message, tokenMode)
	if payload.Nested == nil {
		if !matched {
			return nil
		}
		return inv
	}

	if inv == nil {
		inv = &Invocation{}
	}
	inv.Source = payload.Nested.Type
	if inv.Source == "" {
		inv.Source = "nested"
	}
	overlayStructured(inv, payload.Nested.Payload)
	return inv
}

func overlayStructured(inv *Invocation, structured engine.InvocationPayload) {
	if structured.Model != "" {
		inv.Model = structured.Model
	}
	if structured.System != "" {
		inv.SystemPrompt = structured.System
	}
	if structured.Assistant != "" {
		inv.AssistantPrompt = structured.Assistant
	}
	if structured.Output != "" {
		inv.Output = structured.Output
	}
	if structured.Temperature != nil {
		inv.Temperature = structured.Temperature
	}
	if structured.MaxTokens != nil {
		inv.MaxTokens = structured.MaxTokens
	}
	if structured.QueryTokens != nil {
		inv.QueryTokens = structured.QueryTokens
	}
	if structured.AnswerTokens != nil {
		inv.AnswerTokens = structured.AnswerTokens
	}
	if structured.TotalTokens != nil {
		inv.TotalTokens = structured.TotalTokens
	}
	if structured.Multiplier != nil {
		inv.Multiplier = structured.Multiplier
	}
}

func matchModel(message string, inv *Invocation) bool {
	groups := modelMarker.FindStringSubmatch(message)
	if groups == nil {
		return false
	}
	inv.Model = groups[1]
	return true
}

func matchTokenConsumption(marker *regexp.Regexp) matcher {
	return func(message string, inv *Invocation) bool {
		groups := marker.FindStringSubmatch(message)
		if groups == nil {
			return false
		}

		counts, err := decodePseudoJSON(groups[1])
		if err != nil {
			inv.ParseFailed = true
			return true
		}
		if v, ok := intField(counts, "total"); ok {
			inv.TotalTokens = &v
		}
		if v, ok := intField(counts, "query"); ok {
			inv.QueryTokens = &v
		}
		if v, ok := intField(counts, "answer"); ok {
			inv.AnswerTokens = &v
		}
		return true
	}
}

func matchTemperature(message string, inv *Invocation) bool {
	groups := temperatureMarker.FindStringSubmatch(message)
	if groups == nil {
		return false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(groups[1]), 64)
	if err != nil {
		inv.ParseFailed = true
		return true
	}
	inv.Temperature = &v
	return true
}

func matchMaxTokens(message string, inv *Invocation) bool {
	groups := maxTokensMarker.FindStringSubmatch(message)
	if groups == nil {
		return false
	}
	v, err := strconv.Atoi(strings.TrimSpace(groups[1]))
	if err != nil {
		inv.ParseFailed = true
		return true
	}
	inv.MaxTokens = &v
	return true
}

func matchMultiplier(message string, inv *Invocation) bool {
	groups := multiplierMarker.FindStringSubmatch(message)
	if groups == nil {
		return false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(groups[1]), 64)
	if err != nil {
		inv.ParseFailed = true
		return true
	}
	inv.Multiplier = &v
	return true
}

// decodePseudoJSON normalizes a brace-enclosed fragment with bare keys and
// single-quoted strings into strict JSON, then parses it.
func decodePseudoJSON(fragment string) (map[string]any, error) {
	normalized := bareKeyPattern.ReplaceAllString(fragment, `"$1":`)
	normalized = strings.ReplaceAll(normalized, "'", `"`)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(normalized), &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func intField(values map[string]any, key string) (int, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	switch typed := raw.(type) {
	case float64:
		return int(typed), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
