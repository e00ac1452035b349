package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/spawner/orchestrator/internal/workflow"

// Span attribute keys.
const (
	WorkflowIDKey = "spawner.workflow.id"
	InstanceIDKey = "spawner.workflow.instance"
	StepIndexKey  = "spawner.step.index"
	SkillKey      = "spawner.step.skill"
	GateActionKey = "spawner.gate.action"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
