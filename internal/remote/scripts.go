package remote

import (
	"context"
	"fmt"
	"strings"
)

// PreflightScript checks that the host can run containers with the given
// runtime command (e.g. "docker" or "sudo docker").
func PreflightScript(runtime []string) string {
	if len(runtime) == 0 {
		runtime = []string{"docker"}
	}
	bin := runtime[len(runtime)-1]
	cli := JoinCommand(runtime)
	return strings.TrimSpace(fmt.Sprintf(`set -eu
if [ "$(uname -s)" != "Linux" ]; then
  echo "remote host must be Linux" >&2
  exit 1
fi
if ! command -v %s >/dev/null 2>&1; then
  echo "missing prerequisite: %s" >&2
  exit 1
fi
if ! %s info >/dev/null 2>&1; then
  echo "container daemon is not running or accessible" >&2
  exit 1
fi`, ShellEscape(bin), bin, cli)) + "\n"
}

// Preflight runs PreflightScript on the session.
func Preflight(ctx context.Context, s Session, runtime []string) error {
	cmd := Cmd("sh", "-c", PreflightScript(runtime))
	if _, err := Run(ctx, s, cmd); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}
