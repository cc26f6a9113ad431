package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"hoist/internal/lease"
)

// DefaultLockDir holds host lease files when HostLeaser.Dir is empty.
const DefaultLockDir = "/tmp/hoist"

// Exit statuses of LeaseScript besides 0.
const (
	leaseHeld = 75
	leaseBusy = 73
)

var errHostLeaseHeld = errors.New("host lease held by another owner")

// LeaseScript maintains an "owner expiry" lock file on the host. It is run
// as: sh -c LeaseScript hoist-lease <acquire|renew|release> <path> <owner> <ttl>.
// Every action runs under a mkdir guard so read-compare-write is atomic
// against other runs. Expiry is taken from the host clock. Exit status 75
// means another owner holds the lease; its name is written to stderr.
const LeaseScript = `set -eu
action=$1 lock=$2 owner=$3 ttl=$4
guard="$lock.guard"
mkdir -p "$(dirname "$lock")"
tries=0
until mkdir "$guard" 2>/dev/null; do
  tries=$((tries + 1))
  if [ "$tries" -ge 50 ]; then
    echo "lock guard $guard is busy" >&2
    exit 73
  fi
  sleep 0.1
done
trap 'rmdir "$guard" 2>/dev/null || true' EXIT
trap 'exit 1' HUP INT TERM
now=$(date +%s)
holder="" expiry=0
if [ -f "$lock" ]; then
  read -r holder expiry < "$lock" || true
fi
case "$expiry" in
  ''|*[!0-9]*) expiry=0 ;;
esac
write() {
  printf '%s %s\n' "$owner" "$((now + ttl))" > "$lock.tmp"
  mv -f "$lock.tmp" "$lock"
}
case "$action" in
  acquire)
    if [ -n "$holder" ] && [ "$holder" != "$owner" ] && [ "$expiry" -ge "$now" ]; then
      echo "$holder" >&2
      exit 75
    fi
    write
    ;;
  renew)
    if [ "$holder" != "$owner" ]; then
      echo "${holder:-nobody}" >&2
      exit 75
    fi
    write
    ;;
  release)
    if [ "$holder" = "$owner" ]; then
      rm -f "$lock"
    fi
    ;;
  *)
    echo "unknown lease action: $action" >&2
    exit 64
    ;;
esac
`

var _ lease.Leaser = (*HostLeaser)(nil)

// HostLeaser grants leases kept in a lock file on the deployment host itself,
// so rollouts started from different machines exclude each other. A lease
// that is not renewed within TTL may be taken over.
//
// Dir defaults to DefaultLockDir, TTL to two minutes (whole seconds), Poll to
// one second and Heartbeat to TTL/3. Owner prefixes the generated owner name.
type HostLeaser struct {
	Channel   Channel
	Target    Target
	Dir       string
	Owner     string
	TTL       time.Duration
	Poll      time.Duration
	Heartbeat time.Duration
}

// LockPath returns the lock file used for container.
func (h *HostLeaser) LockPath(container string) string {
	dir := h.Dir
	if dir == "" {
		dir = DefaultLockDir
	}
	return path.Join(dir, container+".lock")
}

func (h *HostLeaser) ttl() time.Duration {
	if h.TTL <= 0 {
		return 2 * time.Minute
	}
	return max(h.TTL.Truncate(time.Second), time.Second)
}

func (h *HostLeaser) owner() string {
	prefix := h.Owner
	if prefix == "" {
		hostname, _ := os.Hostname()
		prefix = fmt.Sprintf("%s/%d", hostname, os.Getpid())
	}
	prefix = strings.Join(strings.Fields(prefix), "-")
	return prefix + "/" + uuid.NewString()
}

func (h *HostLeaser) Acquire(ctx context.Context, key lease.Key) (lease.Lease, error) {
	if key.Host != h.Target.Address() {
		return nil, fmt.Errorf("host lease for %s requested from leaser for %s", key, h.Target.Address())
	}
	if key.Container == "" || strings.ContainsAny(key.Container, "/ ") {
		return nil, fmt.Errorf("host lease: invalid container name %q", key.Container)
	}
	l := &hostLease{
		leaser: h,
		key:    key,
		path:   h.LockPath(key.Container),
		owner:  h.owner(),
		lost:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	poll := h.Poll
	if poll <= 0 {
		poll = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = poll
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		res, err := l.run(ctx, "acquire")
		if err != nil {
			return backoff.Permanent(err)
		}
		switch res.ExitStatus {
		case 0:
			return nil
		case leaseHeld:
			slog.Debug("host lease held", "lease", key.String(), "holder", strings.TrimSpace(string(res.Stderr)))
			return errHostLeaseHeld
		case leaseBusy:
			return errHostLeaseHeld
		default:
			return backoff.Permanent(res.Err(l.command("acquire")))
		}
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("acquire host lease %s: %w", key, err)
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	go l.heartbeat(hbCtx)
	return l, nil
}

type hostLease struct {
	leaser *HostLeaser
	key    lease.Key
	path   string
	owner  string
	cancel context.CancelFunc
	lost   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	released bool
}

func (l *hostLease) Key() lease.Key { return l.key }

func (l *hostLease) Lost() <-chan struct{} { return l.lost }

func (l *hostLease) command(action string) Command {
	ttl := strconv.Itoa(int(l.leaser.ttl() / time.Second))
	return Cmd("sh", "-c", LeaseScript, "hoist-lease", action, l.path, l.owner, ttl)
}

// run executes one lease action on its own session.
func (l *hostLease) run(ctx context.Context, action string) (Result, error) {
	sess, err := l.leaser.Channel.Connect(ctx, l.leaser.Target)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()
	return sess.Execute(ctx, l.command(action))
}

func (l *hostLease) heartbeat(ctx context.Context) {
	defer close(l.done)
	every := l.leaser.Heartbeat
	if every <= 0 {
		every = l.leaser.ttl() / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.run(ctx, "renew")
			switch {
			case ctx.Err() != nil:
				return
			case err == nil && res.ExitStatus == 0:
				renewed = time.Now()
				continue
			case err == nil && res.ExitStatus == leaseHeld:
				slog.Error("host lease lost to another owner",
					"lease", l.key.String(), "holder", strings.TrimSpace(string(res.Stderr)))
			default:
				if err == nil {
					err = res.Err(l.command("renew"))
				}
				slog.Warn("renew host lease", "lease", l.key.String(), "err", err)
				if time.Since(renewed) < l.leaser.ttl() {
					continue
				}
				slog.Error("host lease expired while held", "lease", l.key.String())
			}
			close(l.lost)
			return
		}
	}
}

func (l *hostLease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return lease.ErrReleased
	}
	l.released = true
	l.cancel()
	<-l.done

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := l.run(ctx, "release")
	if err == nil {
		err = res.Err(l.command("release"))
	}
	if err != nil {
		return fmt.Errorf("release host lease %s: %w", l.key, err)
	}
	return nil
}
