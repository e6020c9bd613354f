// Package lease grants exclusive holds on a panel's audio devices.
//
// A panel's microphone and speaker may be driven by only one relay at a time.
// Within one process the [Memory] locker is enough; replicas behind a load
// balancer share a [Redis] locker so that two gateways never relay the same
// panel concurrently.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHeld is returned by [Locker.Acquire] when another holder owns the key.
var ErrHeld = errors.New("lease: already held")

// Locker hands out exclusive leases.
type Locker interface {
	// Acquire takes the lease for key. A ttl of zero means the lease lives
	// until released; backends that need expiry pick their own default.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Lease is one held key. Release is idempotent.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Memory is an in-process [Locker].
type Memory struct {
	mu   sync.Mutex
	held map[string]memEntry
	seq  uint64
	now  func() time.Time
}

type memEntry struct {
	id      uint64
	expires time.Time // zero means never
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memEntry), now: time.Now}
}

// Acquire implements [Locker]. An expired lease may be taken over.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	m.seq++
	e := memEntry{id: m.seq}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.held[key] = e
	return &memLease{m: m, key: key, id: e.id}, nil
}

// Ping implements [Locker]. It never fails.
func (m *Memory) Ping(context.Context) error { return nil }

// Held reports whether key is currently leased.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	return ok && (e.expires.IsZero() || m.now().Before(e.expires))
}

type memLease struct {
	m    *Memory
	key  string
	id   uint64
	once sync.Once
}

func (l *memLease) Key() string { return l.key }

func (l *memLease) Release(context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		// Only remove our own entry; an expired lease may have been taken over.
		if e, ok := l.m.held[l.key]; ok && e.id == l.id {
			delete(l.m.held, l.key)
		}
	})
	return nil
}
