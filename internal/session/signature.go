package session

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// SignatureStore stashes opaque reasoning signatures between turns, keyed by
// (fingerprint, turn). Entries are single-consume: Take removes what it
// returns. Capacity is enforced LRU; age is bounded by a TTL.
type SignatureStore struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recent
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type signatureEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

func NewSignatureStore(capacity int, ttl time.Duration) *SignatureStore {
	return &SignatureStore{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *SignatureStore) SetClock(now func() time.Time) { s.now = now }

func signatureKey(fingerprint string, turn int) string {
	return fmt.Sprintf("%s/%d", fingerprint, turn)
}

// Put stashes signature bytes for the turn, displacing the oldest entry when
// full.
func (s *SignatureStore) Put(fingerprint string, turn int, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signatureKey(fingerprint, turn)
	stored := make([]byte, len(data))
	copy(stored, data)

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*signatureEntry)
		entry.data = stored
		entry.expiresAt = s.now().Add(s.ttl)
		s.order.MoveToFront(el)
		return
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*signatureEntry).key)
	}
	s.entries[key] = s.order.PushFront(&signatureEntry{
		key:       key,
		data:      stored,
		expiresAt: s.now().Add(s.ttl),
	})
}

// Take returns and removes the stashed bytes for the turn.
func (s *SignatureStore) Take(fingerprint string, turn int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signatureKey(fingerprint, turn)
	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*signatureEntry)
	s.order.Remove(el)
	delete(s.entries, key)
	if s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// Sweep drops expired entries; called from the maintenance loop.
func (s *SignatureStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*signatureEntry)
		if now.After(entry.expiresAt) {
			s.order.Remove(el)
			delete(s.entries, entry.key)
			removed++
		}
		el = prev
	}
	return removed
}

// Len reports the number of stashed signatures.
func (s *SignatureStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
