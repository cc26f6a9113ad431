// Package lease provides exclusive leases on a (host, container) pair so that
// at most one rollout mutates a container slot at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrReleased is returned when a lease is released twice.
	ErrReleased = errors.New("lease already released")
	// ErrLost reports a lease taken over by another owner while held.
	ErrLost = errors.New("lease lost")
)

// Key identifies a container slot on a host.
type Key struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

func (k Key) String() string {
	return k.Host + "/" + k.Container
}

// Lease is a held exclusivity token. Lost is closed once the holder can no
// longer be sure it owns the lease; a nil channel means it never is.
type Lease interface {
	Key() Key
	Lost() <-chan struct{}
	Release() error
}

// Leaser grants leases. Acquire blocks until the lease is free or ctx ends.
type Leaser interface {
	Acquire(ctx context.Context, key Key) (Lease, error)
}

// IsLost reports whether l has been lost.
func IsLost(l Lease) bool {
	if l == nil {
		return false
	}
	select {
	case <-l.Lost():
		return true
	default:
		return false
	}
}

var _ Leaser = (*Local)(nil)

// Local grants leases within a single process.
type Local struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

// slot is the semaphore for one key. refs counts holders and waiters; the
// slot is dropped when it reaches zero.
type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[Key]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key Key) (Lease, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return &localLease{owner: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, fmt.Errorf("acquire lease %s: %w", key, ctx.Err())
	}
}

func (l *Local) ref(key Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[Key]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key Key, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 && l.slots[key] == s {
		delete(l.slots, key)
	}
}

type localLease struct {
	owner    *Local
	key      Key
	slot     *slot
	mu       sync.Mutex
	released bool
}

func (l *localLease) Key() Key { return l.key }

func (l *localLease) Lost() <-chan struct{} { return nil }

func (l *localLease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	l.released = true
	<-l.slot.ch
	l.owner.unref(l.key, l.slot)
	return nil
}

// All returns a Leaser that takes a lease from each leaser in order and
// releases them in reverse. A failure part-way releases what was taken.
// The combined lease is lost as soon as any part is.
func All(leasers ...Leaser) Leaser {
	return all(leasers)
}

type all []Leaser

func (a all) Acquire(ctx context.Context, key Key) (Lease, error) {
	held := make(multi, 0, len(a))
	for _, l := range a {
		if l == nil {
			continue
		}
		lease, err := l.Acquire(ctx, key)
		if err != nil {
			_ = held.Release()
			return nil, err
		}
		held = append(held, lease)
	}
	return newMultiLease(key, held), nil
}

type multi []Lease

func (m multi) Release() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type multiLease struct {
	key    Key
	leases multi
	lost   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMultiLease(key Key, leases multi) *multiLease {
	m := &multiLease{key: key, leases: leases, lost: make(chan struct{}), done: make(chan struct{})}
	var lostOnce sync.Once
	for _, l := range leases {
		ch := l.Lost()
		if ch == nil {
			continue
		}
		go func() {
			select {
			case <-ch:
				lostOnce.Do(func() { close(m.lost) })
			case <-m.done:
			}
		}()
	}
	return m
}

func (m *multiLease) Key() Key { return m.key }

func (m *multiLease) Lost() <-chan struct{} { return m.lost }

func (m *multiLease) Release() error {
	m.once.Do(func() { close(m.done) })
	return m.leases.Release()
}
