package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultConnectTimeout = 15 * time.Second

var _ Channel = SSH{}

// SSH opens sessions over SSH with public-key authentication. Each Session
// holds one client connection; every command runs in its own SSH session
// channel, serialised in call order.
type SSH struct{}

func (SSH) Connect(ctx context.Context, target Target) (Session, error) {
	addr := target.Address()
	config, err := clientConfig(target)
	if err != nil {
		return nil, &ConnectError{Target: target.String(), Err: err}
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Target: target.String(), Err: err}
	}

	// Abort the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stopped := stop()
	if err != nil {
		_ = conn.Close()
		if !stopped {
			err = errors.Join(err, ctx.Err())
		}
		return nil, &ConnectError{Target: target.String(), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	slog.Debug("ssh session opened", "target", target.String())
	return &sshSession{client: ssh.NewClient(clientConn, chans, reqs), target: target.String()}, nil
}

type sshSession struct {
	mu     sync.Mutex
	client *ssh.Client
	target string
	closed bool
}

func (s *sshSession) Execute(ctx context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, ErrSessionClosed
	}
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("execute on %s: empty command", s.target)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("run %s on %s: %w", cmd, s.target, err)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session on %s: %w", s.target, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(cmd.String()); err != nil {
		return Result{}, fmt.Errorf("start %s on %s: %w", cmd, s.target, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, fmt.Errorf("run %s on %s: %w", cmd, s.target, ctx.Err())
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	return res, fmt.Errorf("run %s on %s: %w", cmd, s.target, err)
}

func (s *sshSession) Dial(_ context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	conn, err := s.client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s via %s: %w", network, addr, s.target, err)
	}
	return conn, nil
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	slog.Debug("ssh session closed", "target", s.target)
	return s.client.Close()
}

func clientConfig(t Target) (*ssh.ClientConfig, error) {
	if strings.TrimSpace(t.Host) == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if strings.TrimSpace(t.User) == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	signer, err := signer(t)
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if t.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		path := t.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
		}
	}

	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func signer(t Target) (ssh.Signer, error) {
	if t.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	privateKey, err := os.ReadFile(t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	if len(t.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, t.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}
