// Package secrets implements the TTL-bounded secret cache,
// generalized from a credential-rotation lifecycle: entries are issued on
// first miss, refreshed before expiry, retained in a degraded state past
// expiry until the extended deadline, and zeroized when replaced or purged.
package secrets

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Fetcher retrieves the current value and version of a named secret from
// the backing store.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (value []byte, version string, err error)
}

// Policy configures cache lifetimes.
type Policy struct {
	TTL               time.Duration
	ExtendedTTL       time.Duration
	RefreshThreshold  time.Duration
	MaxConcurrentFetch int
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		TTL:                300 * time.Second,
		ExtendedTTL:        3600 * time.Second,
		RefreshThreshold:   60 * time.Second,
		MaxConcurrentFetch: 10,
	}
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,127}$`)

// BuildName constructs the `{service}-{environment}-{purpose}` secret name
// and validates its component shape.
func BuildName(service, environment, purpose string) (string, error) {
	name := fmt.Sprintf("%s-%s-%s", service, environment, purpose)
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("secret name %q must be 1-127 alphanumeric/hyphen characters", name)
	}
	return name, nil
}

// Value is a reference-counted, zeroizing container for a cached secret's
// raw bytes. Callers must call Release when done with the byte slice
// returned by Bytes; the underlying memory is overwritten once the last
// reference is released.
type Value struct {
	mu   sync.Mutex
	buf  []byte
	refs int
}

func newValue(b []byte) *Value {
	return &Value{buf: b, refs: 1}
}

// Bytes returns the secret's current byte slice. The slice must not be
// retained past a call to Release.
func (v *Value) Bytes() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf
}

func (v *Value) acquire() *Value {
	v.mu.Lock()
	v.refs++
	v.mu.Unlock()
	return v
}

// Release drops one reference; the last releaser zeroizes the buffer.
func (v *Value) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs--
	if v.refs <= 0 {
		for i := range v.buf {
			v.buf[i] = 0
		}
	}
}

// String never exposes the secret; it is the redacted diagnostic form.
func (v *Value) String() string { return "***redacted***" }

type cacheEntry struct {
	value              *Value
	version            string
	cachedAt           time.Time
	expiresAt          time.Time
	extendedExpiresAt  time.Time
	degraded           bool
}

// Stats reports cache-level counters for the secret store client.
type Stats struct {
	Entries        int
	DegradedCount  int
	RotationCount  uint64
}

// Store is the secret store client: a get/refresh/list/stats
// contract, with TTL/extended-TTL caching and rotation detection.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	fetcher  Fetcher
	policy   Policy
	clock    func() time.Time
	rotCount uint64
	inflight chan struct{}
}

// New constructs a Store backed by fetcher.
func New(fetcher Fetcher, policy Policy) *Store {
	return &Store{
		entries:  make(map[string]*cacheEntry),
		fetcher:  fetcher,
		policy:   policy,
		clock:    func() time.Time { return time.Now().UTC() },
		inflight: make(chan struct{}, max(policy.MaxConcurrentFetch, 1)),
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Get returns the secret's cached value, fetching or refreshing it as
// necessary per the cache's TTL rules.
func (s *Store) Get(ctx context.Context, name string) (*Value, bool, error) {
	now := s.clock()

	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()

	if ok {
		if now.Before(entry.expiresAt) {
			if s.policy.RefreshThreshold > 0 && !now.Before(entry.expiresAt.Add(-s.policy.RefreshThreshold)) {
				if refreshed, err := s.refreshLocked(ctx, name); err == nil {
					return refreshed.value.acquire(), false, nil
				}
			}
			return entry.value.acquire(), false, nil
		}
		if now.Before(entry.extendedExpiresAt) {
			refreshed, err := s.refreshLocked(ctx, name)
			if err == nil {
				return refreshed.value.acquire(), false, nil
			}
			s.mu.Lock()
			entry.degraded = true
			s.mu.Unlock()
			return entry.value.acquire(), true, nil
		}
		s.purge(name)
	}

	refreshed, err := s.refreshLocked(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return refreshed.value.acquire(), false, nil
}

// Refresh forces a synchronous fetch, detecting rotation if the returned
// version differs from the cached one.
func (s *Store) Refresh(ctx context.Context, name string) (*Value, error) {
	entry, err := s.refreshLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	return entry.value.acquire(), nil
}

func (s *Store) refreshLocked(ctx context.Context, name string) (*cacheEntry, error) {
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	value, version, err := s.fetcher.Fetch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", name, err)
	}

	now := s.clock()
	newEntry := &cacheEntry{
		value:             newValue(value),
		version:           version,
		cachedAt:          now,
		expiresAt:         now.Add(s.policy.TTL),
		extendedExpiresAt: now.Add(s.policy.ExtendedTTL),
	}

	s.mu.Lock()
	old, hadOld := s.entries[name]
	rotated := hadOld && old.version != "" && version != "" && old.version != version
	s.entries[name] = newEntry
	if rotated {
		s.rotCount++
	}
	s.mu.Unlock()

	if hadOld {
		old.value.Release()
	}

	return newEntry, nil
}

func (s *Store) purge(name string) {
	s.mu.Lock()
	old, ok := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()
	if ok {
		old.value.Release()
	}
}

// List returns the names currently cached.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Stats reports cache diagnostics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Entries: len(s.entries), RotationCount: s.rotCount}
	for _, e := range s.entries {
		if e.degraded {
			st.DegradedCount++
		}
	}
	return st
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
