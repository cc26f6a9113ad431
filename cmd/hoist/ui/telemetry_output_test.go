package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"hoist/internal/telemetry"
)

var rolloutPlan = telemetry.Plan{Steps: []telemetry.Step{
	{ID: "pull", Title: "pulling image"},
	{ID: "start", Title: "starting container"},
	{ID: "rollback", Title: "restoring previous image"},
}}

func TestStepObserverTracksRetries(t *testing.T) {
	t.Parallel()

	var snapshots []stepSnapshot
	observer := newStepObserver(func(s stepSnapshot) {
		snapshots = append(snapshots, stepSnapshot{Steps: append([]stepState(nil), s.Steps...)})
	})

	observer.onPlan(rolloutPlan)
	observer.onStepStart("pull")
	observer.onStepEnd("pull", true, "connection refused")
	observer.onStepStart("pull")
	observer.onStepEnd("pull", false, "")

	final := snapshots[len(snapshots)-1]
	pull, ok := stepByID(final, "pull")
	if !ok {
		t.Fatal("missing pull step")
	}
	if pull.Status != stepDone || pull.Runs != 2 || pull.Message != "" {
		t.Fatalf("pull = %+v, want done after 2 runs", pull)
	}
	rollback, _ := stepByID(final, "rollback")
	if rollback.Status != stepPending {
		t.Fatalf("rollback status = %q, want pending", rollback.Status)
	}
}

func TestStepObserverAddsUnplannedSteps(t *testing.T) {
	t.Parallel()

	var last stepSnapshot
	observer := newStepObserver(func(s stepSnapshot) { last = s })
	observer.onPlan(rolloutPlan)
	observer.onStepStart("health")

	if len(last.Steps) != 4 || last.Steps[3].ID != "health" || last.Steps[3].Title != "health" {
		t.Fatalf("steps = %+v", last.Steps)
	}
}

func TestFormatStepLine(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		step stepState
		want string
	}{
		{
			name: "running",
			step: stepState{ID: "pull", Title: "pulling image", Status: stepRunning, Runs: 1},
			want: "  [->] pulling image",
		},
		{
			name: "retried",
			step: stepState{ID: "pull", Title: "pulling image", Status: stepDone, Runs: 2},
			want: "  [ok] pulling image (attempt 2)",
		},
		{
			name: "failed with message",
			step: stepState{ID: "start", Title: "starting container", Status: stepFailed, Message: "exec format error", Runs: 1},
			want: "  [x] starting container: exec format error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatStepLine(tc.step); got != tc.want {
				t.Fatalf("formatStepLine() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTelemetryOutputLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	out := newTelemetryOutput(&buf, false)

	op, err := telemetry.Start(context.Background(), out.Tracer(), "rollout", rolloutPlan)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = op.RunStep(op.Context(), "pull", func(context.Context) error { return nil })
	_ = op.RunStep(op.Context(), "start", func(context.Context) error { return errors.New("exec format error") })
	op.Warn("record", errors.New("database is locked"))
	op.End(nil)
	out.Close()

	want := []string{
		"  [->] pulling image",
		"  [ok] pulling image",
		"  [->] starting container",
		"  [x] starting container: exec format error",
		"  [!] record: database is locked",
	}
	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(got) != len(want) {
		t.Fatalf("output:\n%s\nwant %d lines", buf.String(), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func stepByID(snapshot stepSnapshot, id string) (stepState, bool) {
	for _, step := range snapshot.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return stepState{}, false
}
