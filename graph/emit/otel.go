package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg, carrying runID, step,
// nodeID, and the event metadata as attributes. Events with an "error"
// meta key mark the span status as error. Events carrying "duration_ms"
// get a span start time backdated by the reported duration, so the span
// ends at emit time and lasts that long.
//
//	tracer := otel.Tracer("open-agent")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records each event as a span.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.record(ctx, event)
	}
	return nil
}

// Flush is a no-op; span export is the tracer provider's concern.
func (o *OTelEmitter) Flush(context.Context) error { return nil }

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	start := time.Now()
	if ms, ok := numericMeta(event.Meta, "duration_ms"); ok {
		start = start.Add(-time.Duration(ms) * time.Millisecond)
	}
	_, span := o.tracer.Start(ctx, event.Msg, trace.WithTimestamp(start))
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.run_id", event.RunID),
		attribute.Int("workflow.step", event.Step),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("workflow.node_id", event.NodeID))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(key, value))
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func numericMeta(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
