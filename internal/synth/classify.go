package synth

import "github.com/convorelay/relay/internal/engine"

// Class is the synthesis role assigned to one trace event.
type Class int

const (
	// ClassIgnored events contribute nothing to the span tree.
	ClassIgnored Class = iota
	// ClassEndMarker marks the conversation turn as ending the session.
	ClassEndMarker
	// ClassAssistantText is a user-visible AI reply.
	ClassAssistantText
	// ClassKnowledgeRetrieval is a knowledge-base lookup, with or without
	// matched chunks.
	ClassKnowledgeRetrieval
	// ClassModelInvocation is a debug event carrying model call parameters.
	ClassModelInvocation
)

// Classification pairs a class with the payload data the synthesizer
// needs to build the corresponding span.
type Classification struct {
	Class         Class
	Text          engine.TextPayload
	KnowledgeBase engine.KnowledgeBasePayload
	Invocation    *Invocation
}

// Classify assigns a synthesis role to one event. Rules are checked in
// order; the first match wins. Classification is pure: the same event and
// token mode always produce the same class.
func Classify(ev engine.TraceEvent, tokenMode string) Classification {
	switch ev.Type {
	case engine.EventEnd:
		return Classification{Class: ClassEndMarker}

	case engine.EventText:
		text, ok := ev.Text()
		if !ok || !text.AI {
			return Classification{Class: ClassIgnored}
		}
		return Classification{Class: ClassAssistantText, Text: text}

	case engine.EventKnowledgeBase:
		kb, ok := ev.KnowledgeBase()
		if !ok {
			return Classification{Class: ClassIgnored}
		}
		// A lookup that matched nothing is still a retrieval.
		return Classification{Class: ClassKnowledgeRetrieval, KnowledgeBase: kb}

	case engine.EventDebug:
		debug, ok := ev.Debug()
		if !ok {
			return Classification{Class: ClassIgnored}
		}
		inv := ExtractInvocation(debug, tokenMode)
		if inv == nil {
			return Classification{Class: ClassIgnored}
		}
		return Classification{Class: ClassModelInvocation, Invocation: inv}
	}

	return Classification{Class: ClassIgnored}
}
