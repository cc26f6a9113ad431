package cmdutil

import (
	"slices"
	"testing"

	"github.com/spf13/cobra"

	"hoist/config"
	"hoist/internal/remote"
	"hoist/internal/rollout"
)

func newFlagCmd(bind func(*cobra.Command)) *cobra.Command {
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	bind(cmd)
	return cmd
}

func TestTargetFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{
		CurrentTarget: "prod",
		Targets: map[string]config.Target{
			"prod": {Host: "10.0.0.5", User: "deploy", Container: "vpn-api-container"},
		},
	}
	var f TargetFlags
	cmd := newFlagCmd(f.Bind)
	if err := cmd.ParseFlags([]string{"--user", "root", "--docker", "sudo,docker"}); err != nil {
		t.Fatal(err)
	}

	target, err := f.Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if target.Host != "10.0.0.5" || target.User != "root" || !slices.Equal(target.Docker, []string{"sudo", "docker"}) {
		t.Fatalf("target = %+v", target)
	}
}

func TestTargetFlagsAdHocWithoutConfig(t *testing.T) {
	var f TargetFlags
	cmd := newFlagCmd(f.Bind)
	if err := cmd.ParseFlags([]string{"--host", "10.0.0.5", "--container", "vpn-api-container"}); err != nil {
		t.Fatal(err)
	}
	target, err := f.Resolve(&config.Config{}, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if target.Rollout().Key().String() == "" || target.Container != "vpn-api-container" {
		t.Fatalf("target = %+v", target)
	}
}

func TestTargetFlagsRequireTarget(t *testing.T) {
	var f TargetFlags
	cmd := newFlagCmd(f.Bind)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Resolve(&config.Config{}, ""); err == nil {
		t.Fatal("Resolve() without config or --host should fail")
	}
}

func TestRunFlagsApplyOnlyChanged(t *testing.T) {
	base := rollout.ContainerConfig{
		Network:       "vpn-net",
		Alias:         "vpn-api",
		RestartPolicy: "unless-stopped",
		EnvFile:       "/etc/vpn-api/env",
	}
	var f RunFlags
	cmd := newFlagCmd(f.Bind)
	if err := cmd.ParseFlags([]string{"--add-host", "db:10.0.0.9", "--add-host", "cache:10.0.0.10", "-p", "8080:80", "--label", "app=vpn-api"}); err != nil {
		t.Fatal(err)
	}

	got := f.Apply(base)
	if got.Network != "vpn-net" || got.EnvFile != "/etc/vpn-api/env" {
		t.Fatalf("unchanged fields rewritten: %+v", got)
	}
	if !slices.Equal(got.ExtraHosts, []string{"db:10.0.0.9", "cache:10.0.0.10"}) {
		t.Fatalf("ExtraHosts = %v", got.ExtraHosts)
	}
	if !slices.Equal(got.Ports, []string{"8080:80"}) || got.Labels["app"] != "vpn-api" {
		t.Fatalf("got = %+v", got)
	}
}

func TestCredentialsFallBackToEnv(t *testing.T) {
	t.Setenv(EnvCredentials, "ci:s3cret")
	if c := Credentials(""); c.Username != "ci" || c.Password != "s3cret" {
		t.Fatalf("Credentials() = %+v", c)
	}
	if c := Credentials("tok"); c.Token != "tok" {
		t.Fatalf("Credentials(flag) = %+v", c)
	}
}

func TestRuntimeFactorySelection(t *testing.T) {
	if RuntimeFactory(config.Target{}) == nil || RuntimeFactory(config.Target{Runtime: config.RuntimeEngine}) == nil {
		t.Fatal("RuntimeFactory returned nil")
	}
	if _, ok := Channel(config.Target{Host: config.LocalHost}).(remote.Local); !ok {
		t.Fatal("host local should use the local channel")
	}
	if _, ok := Channel(config.Target{Host: "10.0.0.5"}).(remote.SSH); !ok {
		t.Fatal("remote hosts should use SSH")
	}
	if runtimeName(config.Target{}) != config.RuntimeCLI {
		t.Fatal("default runtime should be cli")
	}
}
