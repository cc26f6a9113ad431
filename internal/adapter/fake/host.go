package fake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"hoist/internal/adapter/fake/fault"
	"hoist/internal/remote"
)

// Fault points evaluated by Host. Docker subcommands use "docker." plus the
// subcommand name; a fault there makes the command exit non-zero with the
// fault as stderr, unless the command's context ended first.
const (
	FaultConnect = "connect"
	FaultExec    = "exec"
	FaultPull    = "docker.pull"
	FaultStop    = "docker.stop"
	FaultRemove  = "docker.rm"
	FaultRun     = "docker.run"
	FaultInspect = "docker.inspect"
	// FaultCommand covers every non-docker command, e.g. health probes.
	FaultCommand = "command"
	// FaultLease covers runs of remote.LeaseScript.
	FaultLease = "lease"
)

// Container is a container on a fake Host.
type Container struct {
	Name    string
	Image   string
	ImageID string
	Running bool
	Args    []string
}

// Exec is one command received by a Host.
type Exec struct {
	Session int
	Args    []string
}

// Verb returns the docker subcommand, or argv[0] for other commands.
func (e Exec) Verb() string {
	if i := slices.Index(e.Args, "docker"); i >= 0 && i+1 < len(e.Args) {
		return e.Args[i+1]
	}
	if len(e.Args) == 0 {
		return ""
	}
	return e.Args[0]
}

// Host is an in-memory deployment host that understands the docker CLI
// commands issued by dockercli.Runtime.
type Host struct {
	CallRecorder
	Faults *fault.Injector

	mu         sync.Mutex
	containers map[string]*Container
	// images maps local refs and image IDs to image IDs.
	images     map[string]string
	remote     map[string]string
	execs      []Exec
	sessions   int
	open       int
	locks      map[string]*hostLock
}

// hostLock is a lock file written by remote.LeaseScript.
type hostLock struct {
	owner   string
	expired bool
}

func NewHost() *Host {
	return &Host{
		Faults:     fault.NewInjector(),
		containers: make(map[string]*Container),
		images:     make(map[string]string),
		remote:     make(map[string]string),
		locks:      make(map[string]*hostLock),
	}
}

// ImageID is the ID the fake registry serves for ref unless overridden by
// PublishImage.
func ImageID(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PublishImage makes ref resolve to id on the next pull, as if the tag were
// re-pointed in the registry.
func (h *Host) PublishImage(ref, id string) {
	h.mu.Lock()
	h.remote[ref] = id
	h.mu.Unlock()
}

// AddContainer seeds a container, e.g. the instance a rollout replaces.
func (h *Host) AddContainer(name, image string, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.pulledLocked(image)
	h.containers[name] = &Container{Name: name, Image: image, ImageID: id, Running: running}
}

func (h *Host) Container(name string) (Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[name]
	if !ok {
		return Container{}, false
	}
	out := *c
	out.Args = slices.Clone(c.Args)
	return out, true
}

// Execs returns every command received, in arrival order.
func (h *Host) Execs() []Exec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Exec, len(h.execs))
	copy(out, h.execs)
	return out
}

// Verbs returns the verb of every command received, in order.
func (h *Host) Verbs() []string {
	execs := h.Execs()
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.Verb()
	}
	return out
}

// OpenSessions returns the number of sessions not yet closed.
func (h *Host) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *Host) pulledLocked(ref string) string {
	id, ok := h.remote[ref]
	if !ok {
		id = ImageID(ref)
	}
	h.images[ref] = id
	h.images[id] = id
	return id
}

func (h *Host) exec(ctx context.Context, session int, args []string) remote.Result {
	h.mu.Lock()
	h.execs = append(h.execs, Exec{Session: session, Args: slices.Clone(args)})
	h.mu.Unlock()
	h.record("Exec", session, strings.Join(args, " "))

	if isLeaseScript(args) {
		if err := h.Faults.Eval(ctx, FaultLease, args[4:]); err != nil {
			return failed(1, err.Error())
		}
		return h.lease(args[4], args[5], args[6])
	}
	i := slices.Index(args, "docker")
	if i < 0 || i+1 >= len(args) {
		if err := h.Faults.Eval(ctx, FaultCommand, args); err != nil {
			return failed(1, err.Error())
		}
		return remote.Result{}
	}
	verb, rest := args[i+1], args[i+2:]
	if err := h.Faults.Eval(ctx, "docker."+verb, rest); err != nil {
		return failed(1, err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch verb {
	case "pull":
		if len(rest) != 1 {
			return failed(125, "docker pull requires exactly one argument")
		}
		h.pulledLocked(rest[0])
		return remote.Result{Stdout: []byte("Status: Downloaded newer image for " + rest[0] + "\n")}
	case "stop":
		c, res := h.lookupLocked(rest)
		if c == nil {
			return res
		}
		c.Running = false
		return remote.Result{Stdout: []byte(c.Name + "\n")}
	case "rm":
		force := len(rest) > 0 && rest[0] == "-f"
		if force {
			rest = rest[1:]
		}
		c, res := h.lookupLocked(rest)
		if c == nil {
			return res
		}
		if c.Running && !force {
			return failed(1, fmt.Sprintf("Error response from daemon: cannot remove container %q: container is running: stop the container before removing or force remove", c.Name))
		}
		delete(h.containers, c.Name)
		return remote.Result{Stdout: []byte(c.Name + "\n")}
	case "run":
		return h.runLocked(rest)
	case "inspect":
		if len(rest) == 0 {
			return failed(1, "docker inspect requires at least one argument")
		}
		name := rest[len(rest)-1]
		c, ok := h.containers[name]
		if !ok {
			return failed(1, "Error: No such object: "+name)
		}
		return remote.Result{Stdout: []byte(fmt.Sprintf("%s|%s|%t\n", c.Image, c.ImageID, c.Running))}
	default:
		return remote.Result{}
	}
}

func (h *Host) lookupLocked(rest []string) (*Container, remote.Result) {
	if len(rest) != 1 {
		return nil, failed(1, "expected exactly one container name")
	}
	c, ok := h.containers[rest[0]]
	if !ok {
		return nil, failed(1, "Error response from daemon: No such container: "+rest[0])
	}
	return c, remote.Result{}
}

func (h *Host) runLocked(rest []string) remote.Result {
	var name string
	ref := ""
	for i := 0; i < len(rest); i++ {
		switch arg := rest[i]; {
		case arg == "-d":
		case arg == "--name" && i+1 < len(rest):
			name = rest[i+1]
			i++
		case strings.HasPrefix(arg, "-") && i+1 < len(rest):
			i++
		default:
			ref = arg
		}
	}
	if name == "" || ref == "" {
		return failed(125, "docker run: name and image are required")
	}
	if _, exists := h.containers[name]; exists {
		return failed(125, fmt.Sprintf("docker: Error response from daemon: Conflict. The container name \"/%s\" is already in use.", name))
	}

	id, ok := h.images[ref]
	if !ok {
		return failed(125, fmt.Sprintf("Unable to find image '%s' locally", ref))
	}

	h.containers[name] = &Container{Name: name, Image: ref, ImageID: id, Running: true, Args: slices.Clone(rest)}
	return remote.Result{Stdout: []byte(id + "\n")}
}

func failed(status int, stderr string) remote.Result {
	return remote.Result{ExitStatus: status, Stderr: []byte(stderr + "\n")}
}

func isLeaseScript(args []string) bool {
	return len(args) == 8 && args[0] == "sh" && args[1] == "-c" && args[2] == remote.LeaseScript && args[3] == "hoist-lease"
}

// lease emulates remote.LeaseScript. Locks never expire on their own; see
// ExpireLease.
func (h *Host) lease(action, path, owner string) remote.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.locks[path]
	switch action {
	case "acquire":
		if l != nil && l.owner != owner && !l.expired {
			return failed(75, l.owner)
		}
		h.locks[path] = &hostLock{owner: owner}
	case "renew":
		if l == nil {
			return failed(75, "nobody")
		}
		if l.owner != owner {
			return failed(75, l.owner)
		}
		l.expired = false
	case "release":
		if l != nil && l.owner == owner {
			delete(h.locks, path)
		}
	default:
		return failed(64, "unknown lease action: "+action)
	}
	return remote.Result{}
}

// LeaseHolder returns the owner of the host lock at path.
func (h *Host) LeaseHolder(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[path]
	if !ok {
		return "", false
	}
	return l.owner, true
}

// StealLease hands the lock at path to owner, as another runner would after
// the holder's lease expired.
func (h *Host) StealLease(path, owner string) {
	h.mu.Lock()
	h.locks[path] = &hostLock{owner: owner}
	h.mu.Unlock()
}

// ExpireLease marks the lock at path as past its expiry.
func (h *Host) ExpireLease(path string) {
	h.mu.Lock()
	if l, ok := h.locks[path]; ok {
		l.expired = true
	}
	h.mu.Unlock()
}
