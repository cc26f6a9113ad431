package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hoist/internal/remote"
)

// ProbeTarget is what a health probe may inspect.
type ProbeTarget struct {
	Session   remote.Session
	Runtime   Runtime
	Container string
}

// HealthProbe reports nil once the new instance is healthy.
type HealthProbe interface {
	Check(ctx context.Context, t ProbeTarget) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context, t ProbeTarget) error

func (f ProbeFunc) Check(ctx context.Context, t ProbeTarget) error { return f(ctx, t) }

// ContainerRunning is healthy when the runtime reports the container running.
type ContainerRunning struct{}

func (ContainerRunning) Check(ctx context.Context, t ProbeTarget) error {
	inst, err := t.Runtime.Inspect(ctx, t.Container)
	if err != nil {
		return err
	}
	if !inst.Running {
		return fmt.Errorf("container %s is not running", t.Container)
	}
	return nil
}

// HostCommand is healthy when Args exits zero on the host, e.g.
// curl -fsS http://127.0.0.1:8080/.
type HostCommand struct {
	Args []string
}

func (h HostCommand) Check(ctx context.Context, t ProbeTarget) error {
	if len(h.Args) == 0 {
		return fmt.Errorf("health command is empty")
	}
	_, err := remote.Run(ctx, t.Session, remote.Cmd(h.Args...))
	return err
}

// waitHealthy polls probe until it passes or ctx ends.
func waitHealthy(ctx context.Context, probe HealthProbe, t ProbeTarget, interval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 8 * interval
	b.MaxElapsedTime = 0

	var last error
	err := backoff.Retry(func() error {
		last = probe.Check(ctx, t)
		return last
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if last != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (last probe: %v)", ctx.Err(), last)
	}
	return err
}
