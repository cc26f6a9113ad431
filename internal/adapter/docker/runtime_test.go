package docker

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"hoist/internal/adapter/fake"
	"hoist/internal/remote"
	"hoist/internal/rollout"
)

func TestCreateConfigMapsRunFlags(t *testing.T) {
	cfg := rollout.ContainerConfig{
		Network:       "vpn-net",
		Alias:         "vpn-api",
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		RestartPolicy: "unless-stopped",
		Ports:         []string{"127.0.0.1:8080:80/tcp"},
		Labels:        map[string]string{"app": "vpn-api"},
	}
	cc, hc, nc, err := CreateConfig("user/vpn-api:latest", cfg)
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}

	if cc.Image != "user/vpn-api:latest" {
		t.Errorf("Image = %q", cc.Image)
	}
	if cc.Labels["app"] != "vpn-api" {
		t.Errorf("Labels = %v", cc.Labels)
	}
	if hc.NetworkMode != "vpn-net" {
		t.Errorf("NetworkMode = %q", hc.NetworkMode)
	}
	if hc.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Errorf("RestartPolicy = %v", hc.RestartPolicy)
	}
	if !slices.Equal(hc.ExtraHosts, cfg.ExtraHosts) {
		t.Errorf("ExtraHosts = %v", hc.ExtraHosts)
	}

	port := nat.Port("80/tcp")
	if _, ok := cc.ExposedPorts[port]; !ok {
		t.Errorf("ExposedPorts = %v", cc.ExposedPorts)
	}
	bindings := hc.PortBindings[port]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "8080" {
		t.Errorf("PortBindings = %v", hc.PortBindings)
	}

	endpoint := nc.EndpointsConfig["vpn-net"]
	if endpoint == nil || !slices.Equal(endpoint.Aliases, []string{"vpn-api"}) {
		t.Errorf("EndpointsConfig = %v", nc.EndpointsConfig)
	}
}

func TestCreateConfigMinimal(t *testing.T) {
	cc, hc, nc, err := CreateConfig("user/vpn-api:1", rollout.ContainerConfig{})
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if cc.Env != nil || cc.ExposedPorts != nil || hc.PortBindings != nil {
		t.Errorf("unexpected fields: env=%v exposed=%v bindings=%v", cc.Env, cc.ExposedPorts, hc.PortBindings)
	}
	if hc.NetworkMode != "" || nc != nil {
		t.Errorf("network set without one configured: %q %v", hc.NetworkMode, nc)
	}
	if hc.RestartPolicy.Name != container.RestartPolicyDisabled {
		t.Errorf("RestartPolicy = %v", hc.RestartPolicy)
	}
}

func TestCreateConfigRejectsBadPort(t *testing.T) {
	_, _, _, err := CreateConfig("user/vpn-api:1", rollout.ContainerConfig{Ports: []string{"http"}})
	if err == nil {
		t.Fatal("CreateConfig accepted an invalid port spec")
	}
}

func TestParseRestartPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    container.RestartPolicyMode
		retries int
	}{
		{"", container.RestartPolicyDisabled, 0},
		{"no", container.RestartPolicyDisabled, 0},
		{"always", container.RestartPolicyAlways, 0},
		{"unless-stopped", container.RestartPolicyUnlessStopped, 0},
		{"on-failure", container.RestartPolicyOnFailure, 0},
		{"on-failure:5", container.RestartPolicyOnFailure, 5},
		// Unknown modes reach the daemon unchanged and are rejected there.
		{"unless-stoped", container.RestartPolicyMode("unless-stoped"), 0},
	}
	for _, tt := range tests {
		got, err := parseRestartPolicy(tt.in)
		if err != nil {
			t.Errorf("parseRestartPolicy(%q) error = %v", tt.in, err)
			continue
		}
		if got.Name != tt.want || got.MaximumRetryCount != tt.retries {
			t.Errorf("parseRestartPolicy(%q) = %+v", tt.in, got)
		}
	}

	for _, bad := range []string{"on-failure:x", "on-failure:-1", "on-failure:"} {
		if _, err := parseRestartPolicy(bad); err == nil {
			t.Errorf("parseRestartPolicy(%q) accepted an invalid retry count", bad)
		}
	}
}

func TestCreateConfigRejectsEnvFile(t *testing.T) {
	cfg := rollout.ContainerConfig{Network: "vpn-net", EnvFile: "/home/deploy/vpn-api.env"}
	if _, _, _, err := CreateConfig("user/vpn-api:1", cfg); !errors.Is(err, ErrEnvFile) {
		t.Fatalf("CreateConfig error = %v, want ErrEnvFile", err)
	}
	if err := (&Runtime{}).CheckConfig(cfg); !errors.Is(err, ErrEnvFile) {
		t.Fatalf("CheckConfig error = %v, want ErrEnvFile", err)
	}
	if err := (&Runtime{}).CheckConfig(rollout.ContainerConfig{RestartPolicy: "on-failure:x"}); err == nil {
		t.Fatal("CheckConfig accepted an invalid restart policy")
	}
	if err := (&Runtime{}).CheckConfig(rollout.ContainerConfig{Network: "vpn-net", RestartPolicy: "unless-stopped"}); err != nil {
		t.Fatalf("CheckConfig error = %v", err)
	}
}

// execOnly is a session that cannot tunnel connections.
type execOnly struct{}

func (execOnly) Execute(context.Context, remote.Command) (remote.Result, error) {
	return remote.Result{}, nil
}

func (execOnly) Close() error { return nil }

func TestNewRequiresTunnel(t *testing.T) {
	if _, err := New(execOnly{}, ""); err == nil {
		t.Fatal("New accepted a session without Dial")
	}
}

func TestFactoryFailsWhenDaemonUnreachable(t *testing.T) {
	host := fake.NewHost()
	sess, err := host.Channel().Connect(t.Context(), remote.Target{Host: "10.0.0.5"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if _, err := Factory("")(t.Context(), sess); err == nil {
		t.Fatal("Factory succeeded without a reachable daemon")
	}
}
