// Package config handles the hoist deploy configuration file.
//
// Config is read from --config, $HOIST_CONFIG, or
// $XDG_CONFIG_HOME/hoist/hoist.yaml (defaults to ~/.config/hoist/hoist.yaml)
// and follows the kubeconfig pattern: named targets with a current-target
// selector. Secrets are never stored here; the env file and SSH key are
// paths, registry credentials come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hoist/internal/remote"
	"hoist/internal/rollout"
)

// EnvPath overrides the default config location.
const EnvPath = "HOIST_CONFIG"

// LocalHost as a target host runs commands on this machine instead of over
// SSH, for pipelines executing on the deployment host itself.
const LocalHost = "local"

// Runtime names accepted in Target.Runtime.
const (
	RuntimeCLI    = "cli"
	RuntimeEngine = "engine"
)

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: duration %q is negative", node.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

// Health selects the post-start probe. Command takes precedence over Running.
type Health struct {
	Command  []string `yaml:"command,omitempty"`
	Running  bool     `yaml:"running,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
}

// Target describes one deployable container slot on a host.
type Target struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port,omitempty"`
	User                  string `yaml:"user,omitempty"`
	Key                   string `yaml:"key,omitempty"`         // private key path
	KnownHosts            string `yaml:"known_hosts,omitempty"` // known_hosts path
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key,omitempty"`
	Container             string `yaml:"container"`

	// Runtime is "cli" (docker commands over SSH, the default) or "engine"
	// (Docker Engine API tunnelled over SSH).
	Runtime string   `yaml:"runtime,omitempty"`
	Docker  []string `yaml:"docker,omitempty"` // CLI prefix, e.g. [sudo, docker]
	Socket  string   `yaml:"socket,omitempty"` // engine socket on the host

	// LockDir holds the host lease files. Empty means remote.DefaultLockDir.
	LockDir string `yaml:"lock_dir,omitempty"`

	Run    rollout.ContainerConfig `yaml:"run,omitempty"`
	Health Health                  `yaml:"health,omitempty"`
}

// Remote returns the SSH target for t.
func (t Target) Remote() remote.Target {
	return remote.Target{
		Host:                  t.Host,
		Port:                  t.Port,
		User:                  t.User,
		KeyPath:               expandHome(t.Key),
		KnownHostsPath:        expandHome(t.KnownHosts),
		InsecureIgnoreHostKey: t.InsecureIgnoreHostKey,
	}
}

// Local reports whether t runs on this machine.
func (t Target) Local() bool {
	return t.Host == LocalHost
}

// HostLeaser returns the lease kept on t's host, which excludes rollouts
// started from other machines.
func (t Target) HostLeaser(channel remote.Channel, owner string) *remote.HostLeaser {
	return &remote.HostLeaser{
		Channel: channel,
		Target:  t.Remote(),
		Dir:     t.LockDir,
		Owner:   owner,
	}
}

// Rollout returns the rollout target for t.
func (t Target) Rollout() rollout.Target {
	return rollout.Target{Remote: t.Remote(), Container: t.Container}
}

// Probe returns the configured health probe, or nil for none.
func (t Target) Probe() rollout.HealthProbe {
	switch {
	case len(t.Health.Command) > 0:
		return rollout.HostCommand{Args: t.Health.Command}
	case t.Health.Running:
		return rollout.ContainerRunning{}
	default:
		return nil
	}
}

func (t Target) Validate() error {
	if err := t.Rollout().Validate(); err != nil {
		return err
	}
	switch t.Runtime {
	case "", RuntimeCLI:
	case RuntimeEngine:
		if t.Run.EnvFile != "" {
			return fmt.Errorf("env_file %s needs the %s runtime; the %s runtime cannot read files on the host", t.Run.EnvFile, RuntimeCLI, RuntimeEngine)
		}
	default:
		return fmt.Errorf("unknown runtime %q (want %s or %s)", t.Runtime, RuntimeCLI, RuntimeEngine)
	}
	return nil
}

type Timeouts struct {
	Connect Duration `yaml:"connect,omitempty"`
	Pull    Duration `yaml:"pull,omitempty"`
	Inspect Duration `yaml:"inspect,omitempty"`
	Stop    Duration `yaml:"stop,omitempty"`
	Remove  Duration `yaml:"remove,omitempty"`
	Start   Duration `yaml:"start,omitempty"`
}

type Retry struct {
	Attempts        int      `yaml:"attempts,omitempty"`
	InitialInterval Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `yaml:"max_interval,omitempty"`
}

// Config holds named targets and the settings shared by all of them.
type Config struct {
	CurrentTarget string            `yaml:"current-target"`
	Targets       map[string]Target `yaml:"targets"`

	Registry   string `yaml:"registry,omitempty"`
	Repository string `yaml:"repository,omitempty"`
	State      string `yaml:"state,omitempty"` // rollout history database
	LogLevel   string `yaml:"log_level,omitempty"`

	// Rollback defaults to true when unset.
	Rollback *bool    `yaml:"rollback,omitempty"`
	Timeouts Timeouts `yaml:"timeouts,omitempty"`
	Retry    Retry    `yaml:"retry,omitempty"`

	path string
}

// Path returns the config file location: explicit if set, then
// $HOIST_CONFIG, then $XDG_CONFIG_HOME/hoist/hoist.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "hoist", "hoist.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hoist", "hoist.yaml")
}

// DefaultStatePath returns $XDG_STATE_HOME/hoist/state.db, falling back to
// ~/.local/state/hoist/state.db.
func DefaultStatePath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "state", "hoist", "state.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "hoist", "state.db")
}

// Load reads the config file at Path(explicit). If the file does not exist,
// an empty Config is returned (not an error).
func Load(explicit string) (*Config, error) {
	p := Path(explicit)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Targets: make(map[string]Target), path: p}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", p, err)
	}
	if cfg.Targets == nil {
		cfg.Targets = make(map[string]Target)
	}
	cfg.path = p
	return &cfg, nil
}

// File returns the path the config was loaded from.
func (c *Config) File() string {
	if c.path == "" {
		return Path("")
	}
	return c.path
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := c.File()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Current returns the current target name and value.
// The bool is false when no current target is set.
func (c *Config) Current() (string, Target, bool) {
	if c.CurrentTarget == "" {
		return "", Target{}, false
	}
	t, ok := c.Targets[c.CurrentTarget]
	if !ok {
		return "", Target{}, false
	}
	return c.CurrentTarget, t, true
}

// Resolve returns the named target, or the current one when name is empty.
func (c *Config) Resolve(name string) (string, Target, error) {
	if name == "" {
		n, t, ok := c.Current()
		if !ok {
			return "", Target{}, fmt.Errorf("no current target; run 'hoist target use <name>' or pass --target")
		}
		return n, t, nil
	}
	t, ok := c.Targets[name]
	if !ok {
		return "", Target{}, fmt.Errorf("target %q not found", name)
	}
	return name, t, nil
}

// Use sets the current target. It returns an error if the name doesn't exist.
func (c *Config) Use(name string) error {
	if _, ok := c.Targets[name]; !ok {
		return fmt.Errorf("target %q not found", name)
	}
	c.CurrentTarget = name
	return nil
}

// Set adds or updates a named target.
func (c *Config) Set(name string, t Target) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("target %q: %w", name, err)
	}
	if c.Targets == nil {
		c.Targets = make(map[string]Target)
	}
	c.Targets[name] = t
	return nil
}

// Remove deletes a target. If it was the current target, current-target
// is cleared. Returns an error if the name doesn't exist.
func (c *Config) Remove(name string) error {
	if _, ok := c.Targets[name]; !ok {
		return fmt.Errorf("target %q not found", name)
	}
	delete(c.Targets, name)
	if c.CurrentTarget == name {
		c.CurrentTarget = ""
	}
	return nil
}

func (c *Config) RollbackEnabled() bool {
	return c.Rollback == nil || *c.Rollback
}

func (c *Config) StatePath() string {
	if c.State == "" {
		return DefaultStatePath()
	}
	return expandHome(c.State)
}

func (c *Config) RolloutTimeouts() rollout.Timeouts {
	return rollout.Timeouts{
		Connect: time.Duration(c.Timeouts.Connect),
		Pull:    time.Duration(c.Timeouts.Pull),
		Inspect: time.Duration(c.Timeouts.Inspect),
		Stop:    time.Duration(c.Timeouts.Stop),
		Remove:  time.Duration(c.Timeouts.Remove),
		Start:   time.Duration(c.Timeouts.Start),
	}
}

func (c *Config) RolloutRetry() rollout.Retry {
	return rollout.Retry{
		Attempts:        c.Retry.Attempts,
		InitialInterval: time.Duration(c.Retry.InitialInterval),
		MaxInterval:     time.Duration(c.Retry.MaxInterval),
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
