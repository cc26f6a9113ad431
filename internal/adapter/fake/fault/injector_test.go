package fault

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testPoint = "docker.pull"

func TestInjectorFailOnce(t *testing.T) {
	i := NewInjector()
	injected := errors.New("injected once")
	i.FailOnce(testPoint, injected)

	if err := i.Eval(t.Context(), testPoint); !errors.Is(err, injected) {
		t.Fatalf("first Eval error = %v, want %v", err, injected)
	}
	if err := i.Eval(t.Context(), testPoint); err != nil {
		t.Fatalf("second Eval error = %v, want nil", err)
	}
	if got := i.Evals(testPoint); got != 2 {
		t.Fatalf("Evals() = %d, want 2", got)
	}
}

func TestInjectorFailTimes(t *testing.T) {
	i := NewInjector()
	injected := errors.New("registry unavailable")
	i.FailTimes(testPoint, 2, injected)

	for n := range 2 {
		if err := i.Eval(t.Context(), testPoint); !errors.Is(err, injected) {
			t.Fatalf("Eval #%d error = %v, want %v", n, err, injected)
		}
	}
	if err := i.Eval(t.Context(), testPoint); err != nil {
		t.Fatalf("third Eval error = %v, want nil", err)
	}
}

func TestInjectorFailAlways(t *testing.T) {
	i := NewInjector()
	injected := errors.New("injected always")
	i.FailAlways(testPoint, injected)

	for range 3 {
		if err := i.Eval(t.Context(), testPoint); !errors.Is(err, injected) {
			t.Fatalf("Eval error = %v, want %v", err, injected)
		}
	}
}

func TestInjectorHookSeesArgs(t *testing.T) {
	i := NewInjector()
	injected := errors.New("bad ref")
	i.SetHook(testPoint, func(_ context.Context, args ...any) error {
		if len(args) > 0 && args[0] == "user/vpn-api:broken" {
			return injected
		}
		return nil
	})

	if err := i.Eval(t.Context(), testPoint, "user/vpn-api:broken"); !errors.Is(err, injected) {
		t.Fatalf("Eval(bad) error = %v, want %v", err, injected)
	}
	if err := i.Eval(t.Context(), testPoint, "user/vpn-api:latest"); err != nil {
		t.Fatalf("Eval(good) error = %v, want nil", err)
	}
}

func TestInjectorHookHonoursContext(t *testing.T) {
	i := NewInjector()
	i.SetHook(testPoint, func(ctx context.Context, _ ...any) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if err := i.Eval(ctx, testPoint); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Eval error = %v, want DeadlineExceeded", err)
	}
}

func TestInjectorClearAndReset(t *testing.T) {
	i := NewInjector()
	injected := errors.New("x")
	i.FailAlways(testPoint, injected)
	i.FailAlways("docker.run", injected)

	i.Clear(testPoint)
	if err := i.Eval(t.Context(), testPoint); err != nil {
		t.Fatalf("Eval after Clear error = %v", err)
	}
	i.Reset()
	if err := i.Eval(t.Context(), "docker.run"); err != nil {
		t.Fatalf("Eval after Reset error = %v", err)
	}
}

func TestNilInjectorEval(t *testing.T) {
	var i *Injector
	if err := i.Eval(t.Context(), testPoint); err != nil {
		t.Fatalf("nil Eval error = %v", err)
	}
}
