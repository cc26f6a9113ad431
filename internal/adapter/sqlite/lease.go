package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"hoist/internal/clock"
	"hoist/internal/lease"
)

var _ lease.Leaser = (*Leaser)(nil)

var errLeaseHeld = errors.New("lease held by another owner")

// LeaserConfig tunes a Leaser. Zero fields take defaults.
type LeaserConfig struct {
	// Owner prefixes lease owner IDs, e.g. hostname and pid.
	Owner string
	// TTL is how long a lease survives without a heartbeat.
	TTL time.Duration
	// Poll is the first wait between attempts on a held lease.
	Poll  time.Duration
	Clock clock.Clock
}

// Leaser grants leases stored in the leases table, so rollouts from
// separate processes sharing the database exclude each other. A lease whose
// holder stopped heartbeating is taken over once it expires.
type Leaser struct {
	store *Store
	cfg   LeaserConfig
}

func (s *Store) Leaser(cfg LeaserConfig) *Leaser {
	if cfg.Owner == "" {
		cfg.Owner = "hoist"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Leaser{store: s, cfg: cfg}
}

func (l *Leaser) Acquire(ctx context.Context, key lease.Key) (lease.Lease, error) {
	owner := l.cfg.Owner + "/" + uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.Poll
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := l.tryAcquire(ctx, key, owner)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLeaseHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", key, ctx.Err())
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	held := &sqlLease{
		leaser: l,
		key:    key,
		owner:  owner,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go held.heartbeat(hbCtx)
	return held, nil
}

// tryAcquire inserts the lease row, or takes it over if expired.
func (l *Leaser) tryAcquire(ctx context.Context, key lease.Key, owner string) (bool, error) {
	now := l.cfg.Clock.Now()
	res, err := l.store.db.ExecContext(ctx,
		`INSERT INTO leases (host, container, owner, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (host, container) DO UPDATE SET
		   owner = excluded.owner,
		   expires_at = excluded.expires_at
		 WHERE leases.expires_at < ?`,
		key.Host, key.Container, owner, formatTime(now.Add(l.cfg.TTL)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("upsert lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert lease: %w", err)
	}
	return n == 1, nil
}

func (l *Leaser) extend(ctx context.Context, key lease.Key, owner string) (bool, error) {
	res, err := l.store.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE host = ? AND container = ? AND owner = ?`,
		formatTime(l.cfg.Clock.Now().Add(l.cfg.TTL)), key.Host, key.Container, owner,
	)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return n == 1, nil
}

type sqlLease struct {
	leaser *Leaser
	key    lease.Key
	owner  string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}

	mu       sync.Mutex
	released bool
}

func (s *sqlLease) Key() lease.Key { return s.key }

func (s *sqlLease) Lost() <-chan struct{} { return s.lost }

// heartbeat extends the lease every TTL/3. The lease is lost when another
// owner holds the row, or when no extension succeeded for a whole TTL.
func (s *sqlLease) heartbeat(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.leaser.cfg.TTL / 3)
	defer ticker.Stop()
	extended := s.leaser.cfg.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.leaser.extend(ctx, s.key, s.owner)
			switch {
			case err != nil:
				slog.Warn("extend lease", "lease", s.key.String(), "err", err)
				if s.leaser.cfg.Clock.Now().Sub(extended) < s.leaser.cfg.TTL {
					continue
				}
				slog.Error("lease expired while held", "lease", s.key.String())
			case !ok:
				slog.Error("lease lost to another owner", "lease", s.key.String())
			default:
				extended = s.leaser.cfg.Clock.Now()
				continue
			}
			close(s.lost)
			return
		}
	}
}

func (s *sqlLease) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return lease.ErrReleased
	}
	s.released = true
	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.leaser.store.db.ExecContext(ctx,
		`DELETE FROM leases WHERE host = ? AND container = ? AND owner = ?`,
		s.key.Host, s.key.Container, s.owner,
	); err != nil {
		return fmt.Errorf("release lease %s: %w", s.key, err)
	}
	return nil
}
