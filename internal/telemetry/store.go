// Package telemetry - store.go holds the bounded in-memory stores.
//
// DESIGN: Two independent ring buffers, one for request logs and one for
// token usage. Writers take a short critical section per append; readers copy
// a snapshot and aggregate outside the lock. When full, the oldest record is
// dropped.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store owns both ring buffers.
type Store struct {
	mu sync.Mutex

	requests  []RequestLog
	reqHead   int
	reqCount  int
	usage     []TokenUsageRecord
	usageHead int
	usageLen  int

	now func() time.Time
}

// NewStore sizes both buffers. Capacities below 1 are clamped to 1.
func NewStore(requestCapacity, usageCapacity int) *Store {
	if requestCapacity < 1 {
		requestCapacity = 1
	}
	if usageCapacity < 1 {
		usageCapacity = 1
	}
	return &Store{
		requests: make([]RequestLog, requestCapacity),
		usage:    make([]TokenUsageRecord, usageCapacity),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// RecordRequest appends a request log, dropping the oldest when full.
func (s *Store) RecordRequest(rec RequestLog) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.reqHead + s.reqCount) % len(s.requests)
	s.requests[idx] = rec
	if s.reqCount < len(s.requests) {
		s.reqCount++
	} else {
		s.reqHead = (s.reqHead + 1) % len(s.requests)
	}
}

// RecordUsage appends a token usage record, assigning an id when absent.
func (s *Store) RecordUsage(rec TokenUsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.usageHead + s.usageLen) % len(s.usage)
	s.usage[idx] = rec
	if s.usageLen < len(s.usage) {
		s.usageLen++
	} else {
		s.usageHead = (s.usageHead + 1) % len(s.usage)
	}
}

// Requests snapshots the request log, oldest first.
func (s *Store) Requests() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestLog, s.reqCount)
	for i := 0; i < s.reqCount; i++ {
		out[i] = s.requests[(s.reqHead+i)%len(s.requests)]
	}
	return out
}

// Usage snapshots the token usage records, oldest first.
func (s *Store) Usage() []TokenUsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TokenUsageRecord, s.usageLen)
	for i := 0; i < s.usageLen; i++ {
		out[i] = s.usage[(s.usageHead+i)%len(s.usage)]
	}
	return out
}
