package rollout

import (
	"encoding/json"
	"fmt"
	"strings"

	"hoist/internal/check"
)

// Phase is the state of one rollout.
type Phase uint8

const (
	PhasePending Phase = iota + 1
	PhasePulling
	PhaseStopping
	PhaseRemoving
	PhaseStarting
	PhaseHealth
	PhaseRollingBack
	PhaseRunning
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhasePulling:
		return "pulling"
	case PhaseStopping:
		return "stopping"
	case PhaseRemoving:
		return "removing"
	case PhaseStarting:
		return "starting"
	case PhaseHealth:
		return "health"
	case PhaseRollingBack:
		return "rolling_back"
	case PhaseRunning:
		return "running"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) IsValid() bool {
	switch p {
	case PhasePending,
		PhasePulling,
		PhaseStopping,
		PhaseRemoving,
		PhaseStarting,
		PhaseHealth,
		PhaseRollingBack,
		PhaseRunning,
		PhaseFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseRunning || p == PhaseFailed
}

// Mutating reports whether the host may already have been changed in this
// phase. A rollout can only be cancelled before it mutates.
func (p Phase) Mutating() bool {
	switch p {
	case PhaseStopping, PhaseRemoving, PhaseStarting, PhaseHealth, PhaseRollingBack:
		return true
	default:
		return false
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhasePending:
		ok = to == PhasePulling || to == PhaseFailed
	case PhasePulling:
		// A retried attempt re-enters Pulling.
		ok = to == PhasePulling || to == PhaseStopping || to == PhaseFailed
	case PhaseStopping:
		ok = to == PhaseRemoving
	case PhaseRemoving:
		ok = to == PhaseStarting
	case PhaseStarting:
		ok = to == PhaseHealth || to == PhaseRunning || to == PhaseRollingBack || to == PhaseFailed
	case PhaseHealth:
		ok = to == PhaseRunning || to == PhaseRollingBack || to == PhaseFailed
	case PhaseRollingBack:
		ok = to == PhaseFailed
	case PhaseRunning, PhaseFailed:
		ok = false
	}
	check.Assertf(ok, "rollout phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

func (p Phase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid rollout phase: %d", p)
	}
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParsePhase(raw)
	if !ok {
		return fmt.Errorf("invalid rollout phase: %q", raw)
	}
	*p = next
	return nil
}

func ParsePhase(raw string) (Phase, bool) {
	switch strings.TrimSpace(raw) {
	case "pending":
		return PhasePending, true
	case "pulling":
		return PhasePulling, true
	case "stopping":
		return PhaseStopping, true
	case "removing":
		return PhaseRemoving, true
	case "starting":
		return PhaseStarting, true
	case "health":
		return PhaseHealth, true
	case "rolling_back":
		return PhaseRollingBack, true
	case "running":
		return PhaseRunning, true
	case "failed":
		return PhaseFailed, true
	default:
		return 0, false
	}
}

// Reason says why a rollout failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonPull
	ReasonStart
	ReasonConnection
	ReasonTimeout
	ReasonHealth
	ReasonCanceled
	ReasonSuperseded
	ReasonLease
	ReasonConfig
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonPull:
		return "pull"
	case ReasonStart:
		return "start"
	case ReasonConnection:
		return "connection"
	case ReasonTimeout:
		return "timeout"
	case ReasonHealth:
		return "health"
	case ReasonCanceled:
		return "canceled"
	case ReasonSuperseded:
		return "superseded"
	case ReasonLease:
		return "lease"
	case ReasonConfig:
		return "config"
	default:
		return "unknown"
	}
}

func (r Reason) IsValid() bool {
	return r <= ReasonConfig
}

func (r Reason) MarshalJSON() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid rollout reason: %d", r)
	}
	return json.Marshal(r.String())
}

func (r *Reason) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParseReason(raw)
	if !ok {
		return fmt.Errorf("invalid rollout reason: %q", raw)
	}
	*r = next
	return nil
}

func ParseReason(raw string) (Reason, bool) {
	for r := ReasonNone; r <= ReasonConfig; r++ {
		if r.String() == strings.TrimSpace(raw) {
			return r, true
		}
	}
	return 0, false
}
