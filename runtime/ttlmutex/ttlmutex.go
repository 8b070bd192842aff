// Package ttlmutex implements a single-holder lock with absolute expiry.
//
// Unlike a lease that must be refreshed by a heartbeat, a TTL mutex commits to
// an expiry timestamp at acquisition time. A crashed holder cannot deadlock
// other callers past that timestamp, at the cost of requiring callers to pick
// a TTL larger than their worst-case critical section.
package ttlmutex

import (
	"sync"
	"time"
)

// Mutex is a single-holder lock with absolute expiry. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Mutex struct {
	mu        sync.Mutex
	ttl       time.Duration
	held      bool
	updatedAt time.Time
	expiresAt time.Time
	now       func() time.Time
}

// Option configures a Mutex at construction time.
type Option func(*Mutex)

// WithClock overrides the time source used for expiry comparisons. Intended
// for deterministic tests; production callers should not set this.
func WithClock(now func() time.Time) Option {
	return func(m *Mutex) { m.now = now }
}

// New constructs a Mutex with the given TTL. ttl must be positive.
func New(ttl time.Duration, opts ...Option) *Mutex {
	m := &Mutex{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock attempts to acquire the mutex. It succeeds if the mutex is not
// currently held, or if the current holder's lease has expired (now >=
// expiresAt), in which case the caller reclaims it. On success, updatedAt is
// set to now and expiresAt to now+ttl.
func (m *Mutex) Lock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.held && now.Before(m.expiresAt) {
		return false
	}
	m.held = true
	m.updatedAt = now
	m.expiresAt = now.Add(m.ttl)
	return true
}

// Unlock releases the mutex unconditionally. It is idempotent: calling
// Unlock on an already-released (or never-acquired) mutex is a no-op.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = false
}

// IsLocked reports whether the mutex is currently held and unexpired.
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held && m.now().Before(m.expiresAt)
}

// ExpiresAt returns the absolute expiry of the current holder's lease. The
// zero time is returned if the mutex has never been locked.
func (m *Mutex) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}
