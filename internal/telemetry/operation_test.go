package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var rolloutPlan = Plan{Steps: []Step{
	{ID: "pull", Title: "pulling image"},
	{ID: "start", Title: "starting container"},
}}

func TestStartAndRunStepSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(context.Background(), tracer, "rollout", rolloutPlan, ContainerKey.String("vpn-api-container"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := op.RunStep(op.Context(), "pull", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}

	root := findSpanByName(spans, "rollout")
	if root == nil {
		t.Fatal("missing root span")
	}
	if got := getAttr(root.Attributes(), string(ContainerKey)); got != "vpn-api-container" {
		t.Fatalf("root container attribute = %q", got)
	}
	if getAttr(root.Attributes(), PlanJSONKey) == "" {
		t.Fatal("root span missing plan attribute")
	}
	if len(root.Events()) == 0 || root.Events()[0].Name != PlanEventName {
		t.Fatalf("root events = %v, want plan event first", root.Events())
	}
	if getAttr(root.Events()[0].Attributes, PlanVersionKey) != PlanVersion {
		t.Fatal("plan event missing version")
	}

	child := findSpanByName(spans, "pull")
	if child == nil {
		t.Fatal("missing step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
}

func TestRunStepParentsDetachedContext(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(context.Background(), tracer, "rollout", rolloutPlan)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := op.RunStep(context.Background(), "start", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	root := findSpanByName(spans, "rollout")
	child := findSpanByName(spans, "start")
	if root == nil || child == nil {
		t.Fatal("missing spans")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatal("step not parented to operation span")
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(context.Background(), tracer, "rollout", rolloutPlan)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	boom := errors.New("boom")
	err = op.RunStep(op.Context(), "start", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.Warn("stop", errors.New("no such container"))
	op.End(err)

	spans := recorder.Ended()
	child := findSpanByName(spans, "start")
	if child == nil {
		t.Fatal("missing failed step span")
	}
	if child.Status().Code != codes.Error || child.Status().Description != "boom" {
		t.Fatalf("step status = %+v, want error boom", child.Status())
	}
	root := findSpanByName(spans, "rollout")
	if root.Status().Code != codes.Error {
		t.Fatalf("root status = %v, want error", root.Status().Code)
	}
	var warned bool
	for _, ev := range root.Events() {
		if ev.Name == "warning" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("missing warning event")
	}
}

func TestNilOperationRunsSteps(t *testing.T) {
	t.Parallel()

	var op *Operation
	ran := false
	if err := op.RunStep(context.Background(), "pull", func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !ran {
		t.Fatal("step did not run")
	}
	op.Warn("stop", errors.New("x"))
	op.End(nil)
}

func TestStartDefaultsToNoopTracer(t *testing.T) {
	t.Parallel()

	op, err := Start(context.Background(), nil, "rollout", rolloutPlan)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := op.RunStep(op.Context(), "pull", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)
}

func TestStartValidationFailure(t *testing.T) {
	t.Parallel()

	tracer, _ := newTestTracer()
	_, err := Start(context.Background(), tracer, "rollout", Plan{Steps: []Step{
		{ID: "pull", Title: "pulling"},
		{ID: "pull", Title: "duplicated"},
	}})
	if err == nil {
		t.Fatal("Start() error = nil, want duplicate id error")
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
