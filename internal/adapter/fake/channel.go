package fake

import (
	"context"
	"fmt"
	"net"
	"sync"

	"hoist/internal/remote"
)

var _ remote.Channel = (*Channel)(nil)

// Channel opens sessions on a fake Host.
type Channel struct {
	host *Host
}

func (h *Host) Channel() *Channel {
	return &Channel{host: h}
}

func (c *Channel) Connect(ctx context.Context, target remote.Target) (remote.Session, error) {
	c.host.record("Connect", target.String())
	if err := c.host.Faults.Eval(ctx, FaultConnect, target); err != nil {
		return nil, &remote.ConnectError{Target: target.String(), Err: err}
	}

	c.host.mu.Lock()
	c.host.sessions++
	c.host.open++
	id := c.host.sessions
	c.host.mu.Unlock()
	return &session{host: c.host, id: id}, nil
}

type session struct {
	host *Host
	id   int

	mu     sync.Mutex
	closed bool
}

func (s *session) Execute(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.Result{}, remote.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return remote.Result{}, fmt.Errorf("run %s: %w", cmd, err)
	}
	if err := s.host.Faults.Eval(ctx, FaultExec, cmd.Args); err != nil {
		return remote.Result{}, err
	}

	res := s.host.exec(ctx, s.id, cmd.Args)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("run %s: %w", cmd, err)
	}
	return res, nil
}

// Dial is not supported by the fake host.
func (s *session) Dial(context.Context, string, string) (net.Conn, error) {
	return nil, fmt.Errorf("fake session %d: dial not supported", s.id)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.host.mu.Lock()
	s.host.open--
	s.host.mu.Unlock()
	return nil
}
