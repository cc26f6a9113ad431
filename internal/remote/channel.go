// Package remote is the authenticated, ordered command channel to a
// deployment host.
//
// A Channel opens a Session scoped to one rollout attempt. Commands issued on
// one Session run in program order; the caller must Close the Session on
// every exit path. A non-zero exit status is data, not a transport failure:
// Execute reports it in Result and leaves the decision to the caller.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrConnectionFailed means the host was unreachable or rejected the
// handshake or credentials.
var ErrConnectionFailed = errors.New("connection failed")

// ErrSessionClosed is returned by Execute after Close.
var ErrSessionClosed = errors.New("session closed")

// Target identifies a host and how to authenticate against it.
type Target struct {
	Host                  string        `json:"host"`
	Port                  int           `json:"port,omitempty"`
	User                  string        `json:"user,omitempty"`
	KeyPath               string        `json:"key_path,omitempty"`
	Passphrase            []byte        `json:"-"`
	KnownHostsPath        string        `json:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool          `json:"insecure_ignore_host_key,omitempty"`
	ConnectTimeout        time.Duration `json:"connect_timeout,omitempty"`
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	host := strings.TrimSpace(t.Host)
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func (t Target) String() string {
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}

// Command is an argv executed on the host.
type Command struct {
	Args []string
}

// Cmd builds a Command from argv.
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// String renders the command shell-escaped, as it is sent over SSH.
func (c Command) String() string {
	return JoinCommand(c.Args)
}

// Result is the outcome of one command.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Err returns an *ExitError when the command exited non-zero.
func (r Result) Err(cmd Command) error {
	if r.ExitStatus == 0 {
		return nil
	}
	return &ExitError{Command: cmd, Status: r.ExitStatus, Stderr: strings.TrimSpace(string(r.Stderr))}
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command Command
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Status, e.Stderr)
}

// ConnectError wraps a failure to open a session.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}

// Session is an open channel to one host.
type Session interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
	Close() error
}

// Dialer is implemented by sessions that can tunnel connections from the
// host, e.g. to its docker socket.
type Dialer interface {
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}

// Channel opens sessions.
type Channel interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// Run executes cmd and folds a non-zero exit into the returned error.
func Run(ctx context.Context, s Session, cmd Command) (Result, error) {
	res, err := s.Execute(ctx, cmd)
	if err != nil {
		return res, err
	}
	return res, res.Err(cmd)
}
