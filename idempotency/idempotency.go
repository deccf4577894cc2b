// Package idempotency records which events a consumer has already processed.
//
// Delivery is at least once: redeliveries after a lost ack or a replay of
// historical traffic hand the same event id to a handler again. A Store lets
// consumers and the replay engine skip those.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a processed marker is kept.
const DefaultTTL = 7 * 24 * time.Hour

// Store tracks processed event ids per scope. Scope is usually the consumer
// durable name, so independent consumers each see every event once.
type Store interface {
	IsProcessed(ctx context.Context, scope, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, scope, eventID string) error
}

func key(scope, eventID string) string {
	return scope + ":" + eventID
}

// MemoryStore keeps markers in process with a TTL.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

// IsProcessed reports whether eventID was marked in scope and has not expired.
func (s *MemoryStore) IsProcessed(_ context.Context, scope, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(scope, eventID)
	expires, ok := s.entries[k]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expires) {
		delete(s.entries, k)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records eventID in scope.
func (s *MemoryStore) MarkProcessed(_ context.Context, scope, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key(scope, eventID)] = now.Add(s.ttl)
	if len(s.entries)%1024 == 0 {
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of markers held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
