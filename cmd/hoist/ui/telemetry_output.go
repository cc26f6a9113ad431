package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"hoist/internal/telemetry"
)

// TelemetryOutput turns rollout spans into step progress on stderr: a live
// checklist on a terminal, one line per step change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput() *TelemetryOutput {
	return newTelemetryOutput(os.Stderr, IsInteractive())
}

func newTelemetryOutput(w io.Writer, interactive bool) *TelemetryOutput {
	var (
		reporter func(stepSnapshot)
		closeFn  = func() {}
	)
	if interactive {
		checklist := NewChecklist(w)
		reporter, closeFn = checklist.OnSnapshot, checklist.Close
	} else {
		reporter = newLineTelemetry(w).OnSnapshot
	}
	observer := newStepObserver(reporter)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &TelemetryOutput{provider: provider, closeFn: closeFn}
}

func (o *TelemetryOutput) Tracer() trace.Tracer {
	return o.provider.Tracer(telemetry.TracerName)
}

func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	_ = o.provider.Shutdown(context.Background())
	o.closeFn()
}

type lineTelemetry struct {
	w io.Writer

	mu       sync.Mutex
	printed  map[string]stepState
	warnings int
}

func newLineTelemetry(w io.Writer) *lineTelemetry {
	return &lineTelemetry{w: w, printed: make(map[string]stepState)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		if prev, ok := l.printed[step.ID]; ok && prev.Status == step.Status && prev.Message == step.Message && prev.Runs == step.Runs {
			continue
		}
		l.printed[step.ID] = step
		fmt.Fprintln(l.w, formatStepLine(step))
	}
	for _, w := range snapshot.Warnings[l.warnings:] {
		fmt.Fprintln(l.w, "  [!] "+w)
	}
	l.warnings = len(snapshot.Warnings)
}

func formatStepLine(step stepState) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}

	title := step.Title
	if step.Runs > 1 {
		title = fmt.Sprintf("%s (attempt %d)", title, step.Runs)
	}
	if step.Message != "" {
		return fmt.Sprintf("  %s %s: %s", prefix, title, step.Message)
	}
	return fmt.Sprintf("  %s %s", prefix, title)
}

// stepObserver folds span starts and ends into ordered step state.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	warnings []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		steps:    make(map[string]stepState),
		order:    make([]string, 0, 10),
		reporter: reporter,
	}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		id := strings.TrimSpace(planned.ID)
		if id == "" {
			continue
		}
		step, exists := o.steps[id]
		if !exists {
			o.order = append(o.order, id)
			step = stepState{ID: id, Status: stepPending}
		}
		step.Title = strings.TrimSpace(planned.Title)
		if step.Title == "" {
			step.Title = id
		}
		o.steps[id] = step
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(id)
	step.Status = stepRunning
	step.Message = ""
	step.Runs++
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(id)
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	} else {
		step.Status = stepDone
		step.Message = ""
	}
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onWarnings(warnings []string) {
	if len(warnings) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.warnings = append(o.warnings, warnings...)
	o.emitLocked()
}

func (o *stepObserver) ensureStepLocked(id string) stepState {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "unnamed"
	}
	if step, exists := o.steps[id]; exists {
		return step
	}
	o.order = append(o.order, id)
	return stepState{ID: id, Title: id, Status: stepPending}
}

func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}
	steps := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		steps = append(steps, o.steps[id])
	}
	o.reporter(stepSnapshot{Steps: steps, Warnings: append([]string(nil), o.warnings...)})
}

// stepSpanProcessor reads the plan from the root span's start attributes and
// treats every child span as a step.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(planJSON) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		var warnings []string
		for _, event := range span.Events() {
			if event.Name != telemetry.WarningEventName {
				continue
			}
			step := attributeValue(event.Attributes, telemetry.WarningStepKey)
			warnings = append(warnings, step+": "+attributeValue(event.Attributes, string(telemetry.WarningKey)))
		}
		p.observer.onWarnings(warnings)
		return
	}

	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *stepSpanProcessor) ForceFlush(context.Context) error {
	return nil
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
