// Package telemetry wraps a rollout in an OpenTelemetry span with one child
// span per step.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName     = "hoist"
	PlanEventName  = "hoist.plan"
	PlanVersion    = "1"
	PlanVersionKey = "hoist.plan.version"
	PlanJSONKey    = "hoist.plan.json"

	WarningEventName = "warning"
	WarningStepKey   = "step"

	HostKey      = attribute.Key("hoist.host")
	ContainerKey = attribute.Key("hoist.container")
	ArtifactKey  = attribute.Key("hoist.artifact")
	AttemptKey   = attribute.Key("hoist.attempt")
	PhaseKey     = attribute.Key("hoist.phase")
	ReasonKey    = attribute.Key("hoist.reason")
	WarningKey   = attribute.Key("hoist.warning")
)

// Step is one planned unit of work.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []Step `json:"steps"`
}

// Operation is a running traced operation. A nil *Operation is valid and
// traces nothing.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the root span for operation. The plan is set as a start
// attribute, so span processors see it in OnStart, and recorded as an event.
// A nil tracer falls back to a noop tracer.
func Start(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start telemetry operation: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		return nil, fmt.Errorf("start telemetry operation: name is required")
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start telemetry operation: marshal plan: %w", err)
	}

	startAttrs := append([]attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}, attrs...)
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(startAttrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. ctx supplies cancellation;
// the span is parented to the operation even when ctx is detached from it.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	if fn == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	parent := trace.ContextWithSpan(ctx, o.span)
	stepCtx, span := o.tracer.Start(parent, id, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// Warn records a suppressed failure on the root span.
func (o *Operation) Warn(step string, err error) {
	if o == nil || o.span == nil || err == nil {
		return
	}
	o.span.AddEvent(WarningEventName, trace.WithAttributes(
		attribute.String(WarningStepKey, step),
		WarningKey.String(err.Error()),
	))
}

// Annotate sets attributes on the root span.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := seen[id]; exists {
			return fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
