package rollout

import (
	"errors"
	"fmt"
)

var (
	ErrPull       = errors.New("pull failed")
	ErrStart      = errors.New("start failed")
	ErrConnection = errors.New("connection failed")
	ErrTimeout    = errors.New("step timed out")
	ErrHealth     = errors.New("health check failed")
	ErrCanceled   = errors.New("rollout canceled")
	ErrSuperseded = errors.New("rollout superseded")
	ErrLease      = errors.New("lease unavailable")
	ErrConfig     = errors.New("configuration rejected by runtime")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonPull:
		return ErrPull
	case ReasonStart:
		return ErrStart
	case ReasonConnection:
		return ErrConnection
	case ReasonTimeout:
		return ErrTimeout
	case ReasonHealth:
		return ErrHealth
	case ReasonCanceled:
		return ErrCanceled
	case ReasonSuperseded:
		return ErrSuperseded
	case ReasonLease:
		return ErrLease
	case ReasonConfig:
		return ErrConfig
	default:
		return nil
	}
}

// RolloutError is returned by Deploy whenever the outcome is PhaseFailed.
// errors.Is matches the sentinel for Reason as well as the cause.
type RolloutError struct {
	Target string
	Reason Reason
	Step   Phase
	Err    error
}

func (e *RolloutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rollout %s failed at %s (%s): %v", e.Target, e.Step, e.Reason, e.Err)
}

func (e *RolloutError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Reason.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// retryable reports whether a failure left the host untouched and the
// attempt may restart from Pulling.
func retryable(step Phase, reason Reason) bool {
	if step != PhasePulling {
		return false
	}
	switch reason {
	case ReasonPull, ReasonConnection, ReasonTimeout:
		return true
	default:
		return false
	}
}
