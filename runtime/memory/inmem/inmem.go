// Package inmem provides a non-durable memory.Store backed by a Go map,
// used in unit tests and as a local/dev stand-in for the Postgres-backed
// store.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"goa.design/substrate/runtime/memory"
)

type lockEntry struct {
	expiresAt time.Time
}

type hierarchyEntry struct {
	parentSubject *string
	rootSubject   string
}

// Store is a map-backed memory.Store. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	records   map[string]memory.Record
	locks     map[string]lockEntry
	hierarchy map[string]hierarchyEntry
	now       func() time.Time
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source, for deterministic tests of
// lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]memory.Record),
		locks:     make(map[string]lockEntry),
		hierarchy: make(map[string]hierarchyEntry),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Read(ctx context.Context, subject string) (*memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, memory.ErrClosed
	}
	rec, ok := s.records[subject]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) Write(ctx context.Context, subject string, data json.RawMessage, prev *memory.Record, meta memory.WriteMeta) (*memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, memory.ErrClosed
	}

	existing, exists := s.records[subject]
	now := s.now()

	if prev == nil {
		if exists {
			return nil, memory.ErrAlreadyExists
		}
		root := subject
		if meta.ParentSubject != nil {
			if parentHier, ok := s.hierarchy[*meta.ParentSubject]; ok {
				root = parentHier.rootSubject
			} else {
				root = *meta.ParentSubject
			}
		}
		s.hierarchy[subject] = hierarchyEntry{parentSubject: meta.ParentSubject, rootSubject: root}
		rec := memory.Record{
			Subject:         subject,
			Data:            data,
			Version:         1,
			ExecutionStatus: meta.ExecutionStatus,
			Source:          meta.Source,
			Initiator:       meta.Initiator,
			ParentSubject:   meta.ParentSubject,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		s.records[subject] = rec
		cp := rec
		return &cp, nil
	}

	if !exists || existing.Version != prev.Version {
		return nil, memory.ErrVersionMismatch
	}
	rec := memory.Record{
		Subject:         subject,
		Data:            data,
		Version:         existing.Version + 1,
		ExecutionStatus: meta.ExecutionStatus,
		Source:          meta.Source,
		Initiator:       meta.Initiator,
		ParentSubject:   existing.ParentSubject,
		CreatedAt:       existing.CreatedAt,
		UpdatedAt:       now,
	}
	s.records[subject] = rec
	cp := rec
	return &cp, nil
}

func (s *Store) Lock(ctx context.Context, subject string, cfg memory.LockConfig) (bool, error) {
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if s.tryLock(subject, cfg.TTL) {
			return true, nil
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay(cfg, attempt)):
			}
		}
	}
	return false, nil
}

func delay(cfg memory.LockConfig, attempt int) time.Duration {
	exp := cfg.BackoffExponent
	if exp <= 0 {
		exp = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= exp
	}
	return time.Duration(d)
}

func (s *Store) tryLock(subject string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if entry, held := s.locks[subject]; held && now.Before(entry.expiresAt) {
		return false
	}
	s.locks[subject] = lockEntry{expiresAt: now.Add(ttl)}
	return true
}

func (s *Store) Unlock(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return memory.ErrClosed
	}
	delete(s.locks, subject)
	return nil
}

func (s *Store) Cleanup(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return memory.ErrClosed
	}
	delete(s.records, subject)
	delete(s.locks, subject)
	delete(s.hierarchy, subject)
	return nil
}

func (s *Store) GetRootSubject(ctx context.Context, subject string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, memory.ErrClosed
	}
	h, ok := s.hierarchy[subject]
	if !ok {
		return "", false, nil
	}
	return h.rootSubject, true, nil
}

func (s *Store) GetSubjectsByRoot(ctx context.Context, root string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, memory.ErrClosed
	}
	var subjects []string
	for subj, h := range s.hierarchy {
		if subj == root {
			continue
		}
		if h.rootSubject == root {
			subjects = append(subjects, subj)
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ memory.Store = (*Store)(nil)
