// Package cmdutil holds the flag sets and wiring shared by hoist commands.
package cmdutil

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hoist/config"
	"hoist/internal/artifact"
	"hoist/internal/publish"
	"hoist/internal/rollout"
)

// EnvCredentials holds registry credentials when --creds is not given.
const EnvCredentials = "HOIST_REGISTRY_CREDS"

// Globals are the root persistent flags.
type Globals struct {
	ConfigPath    string
	Target        string
	Debug         bool
	NoInteraction bool
}

func (g *Globals) Bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.ConfigPath, "config", "", "Config file (default $HOIST_CONFIG or $XDG_CONFIG_HOME/hoist/hoist.yaml)")
	f.StringVar(&g.Target, "target", "", "Target name from the config file (default current-target)")
	f.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	f.BoolVar(&g.NoInteraction, "no-interaction", false, "Plain line output even on a terminal")
}

func (g *Globals) Config() (*config.Config, error) {
	return config.Load(g.ConfigPath)
}

// BuildFlags select the build output to resolve. Registry and repository
// default to the config file values.
type BuildFlags struct {
	Image      string
	Registry   string
	Repository string
	Tag        string
}

func (f *BuildFlags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Image, "image", "", "Image tarball produced by the build (docker save)")
	cmd.Flags().StringVar(&f.Registry, "registry", "", "Registry host (default Docker Hub)")
	cmd.Flags().StringVar(&f.Repository, "repository", "", "Repository, e.g. user/vpn-api")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "Tag to publish (default latest)")
}

func (f *BuildFlags) Output(cfg *config.Config) artifact.BuildOutput {
	return artifact.BuildOutput{
		ImagePath:  f.Image,
		Registry:   firstNonEmpty(f.Registry, cfg.Registry),
		Repository: firstNonEmpty(f.Repository, cfg.Repository),
		Tag:        f.Tag,
	}
}

// Credentials returns registry credentials from flag, falling back to
// $HOIST_REGISTRY_CREDS.
func Credentials(flag string) publish.Credentials {
	if strings.TrimSpace(flag) == "" {
		flag = os.Getenv(EnvCredentials)
	}
	return publish.ParseCredentials(flag)
}

// TargetFlags override fields of the configured target. With no config
// file, --host and --container alone describe a target.
type TargetFlags struct {
	Host       string
	Port       int
	User       string
	Key        string
	KnownHosts string
	Insecure   bool
	Container  string
	Runtime    string
	Docker     []string

	cmd *cobra.Command
}

func (f *TargetFlags) Bind(cmd *cobra.Command) {
	f.cmd = cmd
	fl := cmd.Flags()
	fl.StringVar(&f.Host, "host", "", "Target host")
	fl.IntVar(&f.Port, "port", 0, "SSH port (default 22)")
	fl.StringVar(&f.User, "user", "", "SSH user")
	fl.StringVar(&f.Key, "key", "", "SSH private key path")
	fl.StringVar(&f.KnownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	fl.BoolVar(&f.Insecure, "insecure-ignore-host-key", false, "Skip host key verification")
	fl.StringVar(&f.Container, "container", "", "Container name on the host")
	fl.StringVar(&f.Runtime, "runtime", "", "Container runtime driver: cli or engine")
	fl.StringSliceVar(&f.Docker, "docker", nil, "Docker command prefix for the cli runtime, e.g. sudo,docker")
}

// Resolve returns the named (or current) target with flag overrides applied.
func (f *TargetFlags) Resolve(cfg *config.Config, name string) (config.Target, error) {
	var t config.Target
	if name != "" || cfg.CurrentTarget != "" || f.Host == "" {
		_, found, err := cfg.Resolve(name)
		if err != nil {
			return config.Target{}, err
		}
		t = found
	}

	t = f.Apply(t)
	if err := t.Validate(); err != nil {
		return config.Target{}, err
	}
	return t, nil
}

// Apply returns base with the flags given on the command line applied.
func (f *TargetFlags) Apply(base config.Target) config.Target {
	changed := func(flag string) bool { return f.cmd != nil && f.cmd.Flags().Changed(flag) }
	if changed("host") {
		base.Host = f.Host
	}
	if changed("port") {
		base.Port = f.Port
	}
	if changed("user") {
		base.User = f.User
	}
	if changed("key") {
		base.Key = f.Key
	}
	if changed("known-hosts") {
		base.KnownHosts = f.KnownHosts
	}
	if changed("insecure-ignore-host-key") {
		base.InsecureIgnoreHostKey = f.Insecure
	}
	if changed("container") {
		base.Container = f.Container
	}
	if changed("runtime") {
		base.Runtime = f.Runtime
	}
	if changed("docker") {
		base.Docker = f.Docker
	}
	return base
}

// RunFlags override the container runtime configuration. Values are passed
// to the runtime as given.
type RunFlags struct {
	Network       string
	Alias         string
	ExtraHosts    []string
	RestartPolicy string
	EnvFile       string
	Ports         []string
	Labels        map[string]string

	cmd *cobra.Command
}

func (f *RunFlags) Bind(cmd *cobra.Command) {
	f.cmd = cmd
	fl := cmd.Flags()
	fl.StringVar(&f.Network, "network", "", "Container network")
	fl.StringVar(&f.Alias, "network-alias", "", "Network alias")
	fl.StringSliceVar(&f.ExtraHosts, "add-host", nil, "Extra host mapping name:ip (repeatable)")
	fl.StringVar(&f.RestartPolicy, "restart", "", "Restart policy")
	fl.StringVar(&f.EnvFile, "env-file", "", "Env file path on the target host")
	fl.StringSliceVarP(&f.Ports, "publish", "p", nil, "Port mapping (repeatable)")
	fl.StringToStringVar(&f.Labels, "label", nil, "Container label key=value (repeatable)")
}

func (f *RunFlags) Apply(base rollout.ContainerConfig) rollout.ContainerConfig {
	changed := func(flag string) bool { return f.cmd != nil && f.cmd.Flags().Changed(flag) }
	if changed("network") {
		base.Network = f.Network
	}
	if changed("network-alias") {
		base.Alias = f.Alias
	}
	if changed("add-host") {
		base.ExtraHosts = f.ExtraHosts
	}
	if changed("restart") {
		base.RestartPolicy = f.RestartPolicy
	}
	if changed("env-file") {
		base.EnvFile = f.EnvFile
	}
	if changed("publish") {
		base.Ports = f.Ports
	}
	if changed("label") {
		base.Labels = f.Labels
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
