// Package docker drives the Docker Engine API of a remote host, tunnelled
// through a remote.Session to the daemon's unix socket.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"hoist/internal/remote"
	"hoist/internal/rollout"
)

// DefaultSocket is the daemon socket on the target host.
const DefaultSocket = "/var/run/docker.sock"

var (
	_ rollout.Runtime       = (*Runtime)(nil)
	_ rollout.ConfigChecker = (*Runtime)(nil)
)

// ErrEnvFile is returned for a ContainerConfig naming an env file. Only the
// docker CLI on the host reads env files; the Engine API would need the
// values sent from this process.
var ErrEnvFile = errors.New("env_file is only supported by the cli runtime")

// Runtime implements rollout.Runtime using the Docker Engine API.
type Runtime struct {
	cli *client.Client
}

// New returns a Runtime whose API connections are dialled through sess to
// socket on the remote host. sess must implement remote.Dialer.
func New(sess remote.Session, socket string) (*Runtime, error) {
	dialer, ok := sess.(remote.Dialer)
	if !ok {
		return nil, fmt.Errorf("docker engine: session %T cannot tunnel connections", sess)
	}
	if socket == "" {
		socket = DefaultSocket
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.Dial(ctx, "unix", socket)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Factory returns a rollout.RuntimeFactory that also checks the daemon
// answers before handing the Runtime out.
func Factory(socket string) rollout.RuntimeFactory {
	return func(ctx context.Context, sess remote.Session) (rollout.Runtime, error) {
		rt, err := New(sess, socket)
		if err != nil {
			return nil, err
		}
		if err := ping(ctx, rt.cli); err != nil {
			_ = rt.Close()
			return nil, err
		}
		return rt, nil
	}
}

func (r *Runtime) Pull(ctx context.Context, ref string) error {
	pull, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer pull.Close()
	// Registry failures arrive as error messages in the progress stream.
	if err := jsonmessage.DisplayJSONMessagesStream(pull, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, name string) error {
	if err := r.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Run(ctx context.Context, ref, name string, cfg rollout.ContainerConfig) error {
	cc, hc, nc, err := CreateConfig(ref, cfg)
	if err != nil {
		return err
	}
	created, err := r.cli.ContainerCreate(ctx, cc, hc, nc, nil, name)
	if err != nil {
		return fmt.Errorf("create container %q: %w", name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", name, err)
	}
	return nil
}

// CheckConfig rejects configuration Run cannot apply, before the rollout
// touches the host.
func (r *Runtime) CheckConfig(cfg rollout.ContainerConfig) error {
	_, _, _, err := CreateConfig("", cfg)
	return err
}

func (r *Runtime) Inspect(ctx context.Context, name string) (rollout.Instance, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return rollout.Instance{}, nil
		}
		return rollout.Instance{}, fmt.Errorf("inspect container %q: %w", name, err)
	}
	inst := rollout.Instance{Exists: true}
	if info.Config != nil {
		inst.Image = info.Config.Image
	}
	if info.ContainerJSONBase != nil {
		inst.ImageID = info.Image
		inst.Running = info.State != nil && info.State.Running
	}
	return inst, nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

// CreateConfig maps a ContainerConfig onto Engine API create options, the
// same fields `docker run` would set from the equivalent flags.
func CreateConfig(ref string, cfg rollout.ContainerConfig) (*container.Config, *container.HostConfig, *dockernetwork.NetworkingConfig, error) {
	if strings.TrimSpace(cfg.EnvFile) != "" {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrEnvFile, cfg.EnvFile)
	}
	restart, err := parseRestartPolicy(cfg.RestartPolicy)
	if err != nil {
		return nil, nil, nil, err
	}

	cc := &container.Config{
		Image:  ref,
		Labels: maps.Clone(cfg.Labels),
	}
	hc := &container.HostConfig{
		RestartPolicy: restart,
		ExtraHosts:    slices.Clone(cfg.ExtraHosts),
	}
	if cfg.Network != "" {
		hc.NetworkMode = container.NetworkMode(cfg.Network)
	}

	if len(cfg.Ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(cfg.Ports)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse ports: %w", err)
		}
		cc.ExposedPorts = exposed
		hc.PortBindings = bindings
	}

	var nc *dockernetwork.NetworkingConfig
	if cfg.Network != "" {
		endpoint := &dockernetwork.EndpointSettings{}
		if cfg.Alias != "" {
			endpoint.Aliases = []string{cfg.Alias}
		}
		nc = &dockernetwork.NetworkingConfig{
			EndpointsConfig: map[string]*dockernetwork.EndpointSettings{cfg.Network: endpoint},
		}
	}
	return cc, hc, nc, nil
}

// parseRestartPolicy splits a --restart value. The mode is passed through
// as given so the daemon judges it, as it does for docker run.
func parseRestartPolicy(policy string) (container.RestartPolicy, error) {
	name, count, hasCount := strings.Cut(strings.TrimSpace(policy), ":")
	if name == "" {
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}, nil
	}
	rp := container.RestartPolicy{Name: container.RestartPolicyMode(name)}
	if hasCount {
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return container.RestartPolicy{}, fmt.Errorf("invalid restart policy %q: maximum retry count must be a non-negative integer", policy)
		}
		rp.MaximumRetryCount = n
	}
	return rp, nil
}
