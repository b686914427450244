// Package permission implements the Permission Store (§4.7): a
// fixed-capacity map of pending approval requests with per-entry expiry
// timers and at-most-once resolution.
package permission

import (
	"errors"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/types"
)

// MaxPending is the registry's fixed capacity (§3 invariant 5, §4.7).
const MaxPending = 1000

// SweepBound backs up leaked timers: entries older than this are swept
// unconditionally even if their own expiry timer never fired.
const SweepBound = 10 * time.Minute

var ErrAtCapacity = errors.New("permission: store is at capacity")

// ExpiryFunc is invoked exactly once when an entry's timer fires before
// being cleared, or when the sweep backstop finds a leaked entry.
type ExpiryFunc func(id string, p *types.PendingPermission)

// Store holds the pending permissions map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*item
	onExpiry ExpiryFunc
}

type item struct {
	perm  *types.PendingPermission
	timer *time.Timer
}

// New builds an empty Store. onExpiry may be nil.
func New(onExpiry ExpiryFunc) *Store {
	return &Store{
		entries:  make(map[string]*item),
		onExpiry: onExpiry,
	}
}

// Add inserts or replaces a pending permission and schedules its expiry
// timer. Returns ErrAtCapacity if the store is full and id is new.
func (s *Store) Add(p *types.PendingPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[p.RequestID]; ok {
		existing.timer.Stop()
		delete(s.entries, p.RequestID)
	} else if len(s.entries) >= MaxPending {
		return ErrAtCapacity
	}

	ttl := time.Until(p.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}

	it := &item{perm: p}
	it.timer = time.AfterFunc(ttl, func() { s.expire(p.RequestID) })
	s.entries[p.RequestID] = it
	return nil
}

// Get returns the pending permission for id, if present.
func (s *Store) Get(id string) (*types.PendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return it.perm, true
}

// Clear removes id, canceling its timer. Double-clear is a no-op (§4.7).
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.entries[id]
	if !ok {
		return
	}
	it.timer.Stop()
	delete(s.entries, id)
}

// Resolve marks id resolved and clears it, returning false if it was
// already resolved or absent — at-most-once resolution (§3 invariant 5).
func (s *Store) Resolve(id string) (*types.PendingPermission, bool) {
	s.mu.Lock()
	it, ok := s.entries[id]
	if !ok || it.perm.Resolved() {
		s.mu.Unlock()
		return nil, false
	}
	it.perm.MarkResolved()
	it.timer.Stop()
	delete(s.entries, id)
	s.mu.Unlock()
	return it.perm, true
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	it, ok := s.entries[id]
	if !ok || it.perm.Resolved() {
		s.mu.Unlock()
		return
	}
	it.perm.MarkResolved()
	delete(s.entries, id)
	s.mu.Unlock()

	if s.onExpiry != nil {
		s.onExpiry(id, it.perm)
	}
}

// Sweep removes any entry older than SweepBound whose timer failed to fire
// (§4.7 "backs up leaked timers").
func (s *Store) Sweep() {
	cutoff := time.Now().Add(-SweepBound)

	s.mu.Lock()
	var leaked []*item
	for id, it := range s.entries {
		if it.perm.CreatedAt.Before(cutoff) {
			it.timer.Stop()
			delete(s.entries, id)
			leaked = append(leaked, it)
		}
	}
	s.mu.Unlock()

	for _, it := range leaked {
		it.perm.MarkResolved()
		if s.onExpiry != nil {
			s.onExpiry(it.perm.RequestID, it.perm)
		}
	}
}

// Len reports the current entry count, mainly for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
