package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

var _ Channel = Local{}

// Local runs commands on this machine, for pipelines executing on the
// deployment host itself. Target is ignored.
type Local struct{}

func (Local) Connect(context.Context, Target) (Session, error) {
	return &localSession{}, nil
}

type localSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *localSession) Execute(ctx context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, ErrSessionClosed
	}
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("execute locally: empty command")
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("run %s: %w", cmd, ctxErr)
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitCode()
		return res, nil
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ExitStatus = 127
		res.Stderr = append(res.Stderr, []byte(execErr.Error())...)
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", cmd, err)
}

func (s *localSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
