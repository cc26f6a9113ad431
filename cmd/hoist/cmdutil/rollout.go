package cmdutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"hoist/config"
	"hoist/internal/adapter/docker"
	"hoist/internal/adapter/dockercli"
	"hoist/internal/adapter/sqlite"
	"hoist/internal/lease"
	"hoist/internal/remote"
	"hoist/internal/rollout"
)

// Rollout bundles an orchestrator with the state store backing it.
type Rollout struct {
	*rollout.Orchestrator
	Store *sqlite.Store
}

func (r *Rollout) Close() error {
	return r.Store.Close()
}

// OpenState opens the rollout history database named by cfg.
func OpenState(ctx context.Context, cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(ctx, cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open rollout state: %w", err)
	}
	return store, nil
}

// NewRollout wires an orchestrator for target: its channel and runtime
// driver, sqlite history, and a lease held in-process, in the state database
// and on the target host, so concurrent hoist runs queue wherever they start.
func NewRollout(ctx context.Context, cfg *config.Config, target config.Target, tracer trace.Tracer) (*Rollout, error) {
	store, err := OpenState(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s/%d", hostname, os.Getpid())
	leaser := lease.All(
		lease.NewLocal(),
		store.Leaser(sqlite.LeaserConfig{Owner: owner}),
		target.HostLeaser(Channel(target), owner),
	)

	orch, err := rollout.New(rollout.Config{
		Channel:  Channel(target),
		Runtimes: RuntimeFactory(target),
		Leaser:   leaser,
		Records:  store,
		Tracer:   tracer,
		Timeouts: cfg.RolloutTimeouts(),
		Retry:    cfg.RolloutRetry(),
		Health: rollout.Health{
			Probe:    target.Probe(),
			Timeout:  time.Duration(target.Health.Timeout),
			Interval: time.Duration(target.Health.Interval),
		},
		Rollback: cfg.RollbackEnabled(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	slog.Debug("rollout configured",
		"target", target.Rollout().String(),
		"runtime", runtimeName(target),
		"state", cfg.StatePath(),
		"rollback", cfg.RollbackEnabled())
	return &Rollout{Orchestrator: orch, Store: store}, nil
}

// Channel returns how commands reach target's host.
func Channel(target config.Target) remote.Channel {
	if target.Local() {
		return remote.Local{}
	}
	return remote.SSH{}
}

// RuntimeFactory returns the container runtime driver selected by target.
func RuntimeFactory(target config.Target) rollout.RuntimeFactory {
	if target.Runtime == config.RuntimeEngine {
		return docker.Factory(target.Socket)
	}
	return dockercli.Factory(target.Docker...)
}

func runtimeName(target config.Target) string {
	if target.Runtime == "" {
		return config.RuntimeCLI
	}
	return target.Runtime
}
