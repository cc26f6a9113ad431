// Package dockercli drives the docker command-line client on a remote host
// through a remote.Session.
package dockercli

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"hoist/internal/remote"
	"hoist/internal/rollout"
)

// InspectFormat selects image reference, image ID and running state.
const InspectFormat = "{{.Config.Image}}|{{.Image}}|{{.State.Running}}"

var _ rollout.Runtime = (*Runtime)(nil)

// Runtime issues docker CLI commands over one session.
type Runtime struct {
	sess   remote.Session
	docker []string
}

// New returns a Runtime using docker as the client command, e.g.
// ["sudo", "docker"]. An empty docker means "docker".
func New(sess remote.Session, docker ...string) *Runtime {
	if len(docker) == 0 {
		docker = []string{"docker"}
	}
	return &Runtime{sess: sess, docker: slices.Clone(docker)}
}

// Factory binds New to a rollout.RuntimeFactory.
func Factory(docker ...string) rollout.RuntimeFactory {
	return func(_ context.Context, sess remote.Session) (rollout.Runtime, error) {
		return New(sess, docker...), nil
	}
}

func (r *Runtime) cmd(args ...string) remote.Command {
	return remote.Cmd(append(slices.Clone(r.docker), args...)...)
}

func (r *Runtime) run(ctx context.Context, args ...string) error {
	if _, err := remote.Run(ctx, r.sess, r.cmd(args...)); err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

func (r *Runtime) Pull(ctx context.Context, ref string) error {
	return r.run(ctx, "pull", ref)
}

func (r *Runtime) Stop(ctx context.Context, name string) error {
	return r.run(ctx, "stop", name)
}

func (r *Runtime) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return r.run(ctx, append(args, name)...)
}

func (r *Runtime) Run(ctx context.Context, ref, name string, cfg rollout.ContainerConfig) error {
	return r.run(ctx, RunArgs(ref, name, cfg)...)
}

func (r *Runtime) Inspect(ctx context.Context, name string) (rollout.Instance, error) {
	cmd := r.cmd("inspect", "--type", "container", "--format", InspectFormat, name)
	res, err := r.sess.Execute(ctx, cmd)
	if err != nil {
		return rollout.Instance{}, fmt.Errorf("docker inspect: %w", err)
	}
	if res.ExitStatus != 0 {
		if IsNotFound(string(res.Stderr)) {
			return rollout.Instance{}, nil
		}
		return rollout.Instance{}, fmt.Errorf("docker inspect: %w", res.Err(cmd))
	}
	return ParseInspect(string(res.Stdout))
}

// RunArgs builds the docker run arguments for cfg. Fields are passed through
// unmodified; empty fields are omitted.
func RunArgs(ref, name string, cfg rollout.ContainerConfig) []string {
	args := []string{"run", "-d", "--name", name}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	if cfg.Alias != "" {
		args = append(args, "--network-alias", cfg.Alias)
	}
	for _, h := range cfg.ExtraHosts {
		args = append(args, "--add-host", h)
	}
	if cfg.RestartPolicy != "" {
		args = append(args, "--restart", cfg.RestartPolicy)
	}
	if cfg.EnvFile != "" {
		args = append(args, "--env-file", cfg.EnvFile)
	}
	for _, p := range cfg.Ports {
		args = append(args, "-p", p)
	}
	keys := make([]string, 0, len(cfg.Labels))
	for k := range cfg.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+cfg.Labels[k])
	}
	return append(args, ref)
}

// ParseInspect parses output produced by InspectFormat.
func ParseInspect(out string) (rollout.Instance, error) {
	parts := strings.Split(strings.TrimSpace(out), "|")
	if len(parts) != 3 {
		return rollout.Instance{}, fmt.Errorf("unexpected docker inspect output %q", out)
	}
	running, err := strconv.ParseBool(parts[2])
	if err != nil {
		return rollout.Instance{}, fmt.Errorf("parse running state %q: %w", parts[2], err)
	}
	return rollout.Instance{Exists: true, Image: parts[0], ImageID: parts[1], Running: running}, nil
}

// IsNotFound reports whether docker stderr says the object does not exist.
func IsNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}
