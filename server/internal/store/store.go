package store

import (
	"sort"
	"sync"
	"time"

	"github.com/paulloo/countdown3d/pkg/geo"
	"github.com/paulloo/countdown3d/pkg/position"
)

// DefaultRetention is how long a position stays in the store.
const DefaultRetention = 5 * time.Minute

// Store is a thread-safe, time-bounded position set keyed by timestamp.
// Snapshot may run concurrently with other snapshots but never with Insert or
// EvictExpired.
type Store struct {
	mu        sync.RWMutex
	data      map[int64]position.Position
	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the store's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store that retains positions for retention. A non-positive
// retention falls back to DefaultRetention.
func New(retention time.Duration, opts ...Option) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		data:      make(map[int64]position.Position),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores p, replacing any entry with the same timestamp, then evicts
// every expired entry. Callers validate p beforehand.
func (s *Store) Insert(p position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p.Timestamp] = p
	s.evictLocked(s.now())
}

// Snapshot returns every retained position sorted by timestamp, newest first.
// Entries that have expired since the last sweep are still included; the next
// Insert or EvictExpired removes them.
func (s *Store) Snapshot() []position.Position {
	s.mu.RLock()
	out := make([]position.Position, 0, len(s.data))
	for _, p := range s.data {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// EvictExpired removes every entry at least one retention window older than
// now and returns how many were removed.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(now)
}

func (s *Store) evictLocked(now time.Time) int {
	nowMs := now.UnixMilli()
	windowMs := s.retention.Milliseconds()
	removed := 0
	for ts, p := range s.data {
		if geo.IsExpired(p, nowMs, windowMs) {
			delete(s.data, ts)
			removed++
		}
	}
	return removed
}

// Count returns the number of entries currently held, including any expired
// ones not yet swept.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}
