package docker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"

	"hoist/internal/remote"
)

// ping checks the daemon answers through the tunnel. An unreachable socket
// is reported as remote.ErrConnectionFailed so the rollout retries it.
func ping(ctx context.Context, cli *client.Client) error {
	log := slog.With("component", "docker")
	if _, err := cli.Ping(ctx); err != nil {
		if client.IsErrConnectionFailed(err) {
			log.Debug("docker daemon unreachable", "err", err)
			return fmt.Errorf("connect to docker daemon: %w: %w", remote.ErrConnectionFailed, err)
		}
		log.Error("ping failed", "err", err)
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}
