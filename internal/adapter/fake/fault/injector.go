// Package fault injects failures into fake adapters at named points.
package fault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"hoist/internal/check"
)

// Hook inspects the arguments of one evaluation. It may block; a hook that
// waits should honour ctx.
type Hook func(ctx context.Context, args ...any) error

type point struct {
	onceErrs  []error
	alwaysErr error
	hook      Hook
	evals     int
}

// Injector holds per-point faults: one-shot errors, persistent errors and
// argument-aware hooks.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name. Queued errors are
// consumed in order.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")
	i.update(name, func(p *point) { p.onceErrs = append(p.onceErrs, err) })
}

// FailTimes queues err for the next n evaluations of name.
func (i *Injector) FailTimes(name string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	i.update(name, func(p *point) {
		for range n {
			p.onceErrs = append(p.onceErrs, err)
		}
	})
}

// FailAlways fails every evaluation of name with err.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	i.update(name, func(p *point) { p.alwaysErr = err })
}

// SetHook installs hook for name, replacing any previous hook.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.update(name, func(p *point) { p.hook = hook })
}

// Clear removes all faults for name.
func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

// Reset removes every configured fault.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Evals returns how many times name has been evaluated since it was last
// configured.
func (i *Injector) Evals(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p := i.points[name]; p != nil {
		return p.evals
	}
	return 0
}

// Eval reports the fault for this evaluation of name, if any.
// Precedence: hook, then once, then always.
func (i *Injector) Eval(ctx context.Context, name string, args ...any) error {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.Eval: point must not be empty")
	if i == nil {
		return nil
	}

	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	p.evals++
	hook := p.hook
	var onceErr error
	if len(p.onceErrs) > 0 {
		onceErr = p.onceErrs[0]
		p.onceErrs = p.onceErrs[1:]
	}
	alwaysErr := p.alwaysErr
	i.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", name, err)
		}
	}
	if onceErr != nil {
		return fmt.Errorf("fault %s (once): %w", name, onceErr)
	}
	if alwaysErr != nil {
		return fmt.Errorf("fault %s (always): %w", name, alwaysErr)
	}
	return nil
}

func (i *Injector) update(name string, fn func(*point)) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector: point must not be empty")
	if i == nil || strings.TrimSpace(name) == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.points == nil {
		i.points = make(map[string]*point)
	}
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}
