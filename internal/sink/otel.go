// Package sink delivers synthesized span trees to an OpenTelemetry
// tracer provider, from which they flow to the configured collector.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/convorelay/relay/internal/synth"
)

const tracerName = "github.com/convorelay/relay/internal/sink"

// Options configures an OTel sink.
type Options struct {
	// TracerProvider overrides the global provider, mainly for tests.
	TracerProvider oteltrace.TracerProvider
}

// OTel translates synthesized spans into OpenTelemetry spans. Each emitted
// tree becomes one trace; parentage follows the tree structure.
type OTel struct {
	tracer oteltrace.Tracer
}

func NewOTel(opts Options) *OTel {
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OTel{tracer: provider.Tracer(tracerName)}
}

// Emit records the span tree and returns the hex id assigned to the root
// span. Export to the collector happens asynchronously in the SDK's batch
// processor; export failures never surface here.
func (s *OTel) Emit(ctx context.Context, root *synth.Span) (string, error) {
	if root == nil {
		return "", fmt.Errorf("sink: nil span tree")
	}
	rootCtx, span := s.startSpan(ctx, root)
	for _, child := range root.Children {
		s.emitChild(rootCtx, child)
	}
	spanID := span.SpanContext().SpanID().String()
	span.End(oteltrace.WithTimestamp(root.EndTime))
	return spanID, nil
}

func (s *OTel) emitChild(ctx context.Context, node *synth.Span) {
	if node == nil {
		return
	}
	childCtx, span := s.startSpan(ctx, node)
	for _, child := range node.Children {
		s.emitChild(childCtx, child)
	}
	span.End(oteltrace.WithTimestamp(node.EndTime))
}

func (s *OTel) startSpan(ctx context.Context, node *synth.Span) (context.Context, oteltrace.Span) {
	spanCtx, span := s.tracer.Start(ctx, node.Name,
		oteltrace.WithTimestamp(node.StartTime),
		oteltrace.WithAttributes(convertAttributes(node.Attributes)...),
	)
	switch node.Status {
	case synth.StatusError:
		span.SetStatus(codes.Error, node.StatusMessage)
	default:
		span.SetStatus(codes.Ok, "")
	}
	return spanCtx, span
}

// convertAttributes maps the synthesizer's loosely typed attributes onto
// OTel key-values. Scalars keep their type; everything else is carried as
// a JSON string.
func convertAttributes(attrs map[string]any) []attribute.KeyValue {
	converted := make([]attribute.KeyValue, 0, len(attrs))
	for key, value := range attrs {
		switch typed := value.(type) {
		case string:
			converted = append(converted, attribute.String(key, typed))
		case bool:
			converted = append(converted, attribute.Bool(key, typed))
		case int:
			converted = append(converted, attribute.Int(key, typed))
		case int64:
			converted = append(converted, attribute.Int64(key, typed))
		case float64:
			converted = append(converted, attribute.Float64(key, typed))
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				continue
			}
			converted = append(converted, attribute.String(key, string(encoded)))
		}
	}
	return converted
}
