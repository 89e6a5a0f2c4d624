package session

import (
	"sync"
	"time"
)

type stickyEntry struct {
	credentialID string
	expiresAt    time.Time
}

// Sticky maps session fingerprints to pinned credential ids with a TTL.
// Implements the pool's StickyStore.
type Sticky struct {
	mu      sync.RWMutex
	entries map[string]stickyEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewSticky(ttl time.Duration) *Sticky {
	return &Sticky{
		entries: make(map[string]stickyEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Sticky) SetClock(now func() time.Time) { s.now = now }

// Lookup returns the pinned credential id. A hit refreshes the TTL so active
// conversations stay pinned.
func (s *Sticky) Lookup(fingerprint string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fingerprint]
	if !ok {
		return "", false
	}
	now := s.now()
	if now.After(e.expiresAt) {
		delete(s.entries, fingerprint)
		return "", false
	}
	e.expiresAt = now.Add(s.ttl)
	s.entries[fingerprint] = e
	return e.credentialID, true
}

func (s *Sticky) Upsert(fingerprint, credentialID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = stickyEntry{
		credentialID: credentialID,
		expiresAt:    s.now().Add(s.ttl),
	}
}

func (s *Sticky) Evict(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
}

// EvictCredential drops every pin that points at the credential, used when a
// credential is disabled or removed.
func (s *Sticky) EvictCredential(credentialID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, e := range s.entries {
		if e.credentialID == credentialID {
			delete(s.entries, fp)
		}
	}
}

// Sweep removes expired pins; called from the maintenance loop.
func (s *Sticky) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for fp, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed
}

// Len reports the number of live pins.
func (s *Sticky) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
