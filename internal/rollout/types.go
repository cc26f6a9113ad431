package rollout

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hoist/internal/lease"
	"hoist/internal/remote"
)

var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Target is a container slot on a host. The container name is the only
// identity of the deployed instance.
type Target struct {
	Remote    remote.Target `json:"remote"`
	Container string        `json:"container"`
}

func (t Target) Key() lease.Key {
	return lease.Key{Host: t.Remote.Address(), Container: t.Container}
}

func (t Target) String() string {
	return t.Key().String()
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Remote.Host) == "" {
		return fmt.Errorf("target host is required")
	}
	if !containerNamePattern.MatchString(t.Container) {
		return fmt.Errorf("invalid container name %q", t.Container)
	}
	return nil
}

// ContainerConfig is handed to the runtime verbatim.
type ContainerConfig struct {
	Network       string            `json:"network,omitempty" yaml:"network,omitempty"`
	Alias         string            `json:"alias,omitempty" yaml:"alias,omitempty"`
	ExtraHosts    []string          `json:"extra_hosts,omitempty" yaml:"extra_hosts,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`
	EnvFile       string            `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	Ports         []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Instance is what the runtime reports about a named container. Image is
// the reference it was started from; ImageID is the local image it runs,
// which survives the tag being re-pointed by a later pull.
type Instance struct {
	Exists  bool
	Running bool
	Image   string
	ImageID string
}

// restoreRef returns the most exact reference for re-running this image.
func (i Instance) restoreRef() string {
	if i.ImageID != "" {
		return i.ImageID
	}
	return i.Image
}

// Runtime drives the container engine on one host.
type Runtime interface {
	Pull(ctx context.Context, ref string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error
	Run(ctx context.Context, ref, name string, cfg ContainerConfig) error
	Inspect(ctx context.Context, name string) (Instance, error)
}

// ConfigChecker is implemented by runtimes that cannot apply every
// ContainerConfig. Deploy calls it before touching the host.
type ConfigChecker interface {
	CheckConfig(cfg ContainerConfig) error
}

// RuntimeFactory builds a Runtime bound to an open session. A Runtime that
// implements io.Closer is closed before the session.
type RuntimeFactory func(ctx context.Context, sess remote.Session) (Runtime, error)

// Record is the audit entry for one Deploy call. ImageID is the local image
// the container ran once the rollout succeeded, empty if it could not be
// inspected.
type Record struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Container   string    `json:"container"`
	Artifact    string    `json:"artifact"`
	Previous    string    `json:"previous,omitempty"`
	ImageID     string    `json:"image_id,omitempty"`
	Phase       Phase     `json:"phase"`
	Reason      Reason    `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	RolledBack  bool      `json:"rolled_back,omitempty"`
	ServiceDown bool      `json:"service_down,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

func (r Record) Key() lease.Key {
	return lease.Key{Host: r.Host, Container: r.Container}
}

// RecordStore persists rollout records.
type RecordStore interface {
	Begin(ctx context.Context, rec Record) error
	Finish(ctx context.Context, rec Record) error
	LastSuccessful(ctx context.Context, key lease.Key) (Record, bool, error)
	List(ctx context.Context, key lease.Key, limit int) ([]Record, error)
}

// Outcome is the result of Deploy. Phase is PhaseRunning on success and
// PhaseFailed otherwise.
type Outcome struct {
	Phase       Phase    `json:"phase"`
	Reason      Reason   `json:"reason,omitempty"`
	Artifact    string   `json:"artifact"`
	Previous    string   `json:"previous,omitempty"`
	Attempts    int      `json:"attempts"`
	RolledBack  bool     `json:"rolled_back,omitempty"`
	ServiceDown bool     `json:"service_down,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Record      Record   `json:"record"`
}

func (o Outcome) Succeeded() bool {
	return o.Phase == PhaseRunning
}
