package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultStopSignalTTL bounds how long an unobserved stop request is kept.
const DefaultStopSignalTTL = 16 * time.Second

// StopSignals records cooperative stop requests keyed by stream id.
type StopSignals interface {
	RequestStop(streamID string)
	IsStoppedAndConsume(streamID string) bool
}

// SignalStore is an in-memory StopSignals with per-entry expiry.
type SignalStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewSignalStore creates a store whose flags expire after ttl
func NewSignalStore(ttl time.Duration) *SignalStore {
	if ttl <= 0 {
		ttl = DefaultStopSignalTTL
	}
	return &SignalStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// RequestStop records a stop flag. A repeated request refreshes the expiry.
func (s *SignalStore) RequestStop(streamID string) {
	if streamID == "" {
		return
	}
	s.mu.Lock()
	s.entries[streamID] = s.now().Add(s.ttl)
	s.mu.Unlock()
}

// IsStoppedAndConsume reports whether a live flag exists and removes it.
func (s *SignalStore) IsStoppedAndConsume(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[streamID]
	if !ok {
		return false
	}
	delete(s.entries, streamID)
	return s.now().Before(expiresAt)
}

// Len returns the number of stored flags, expired ones included.
func (s *SignalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired flags and returns how many were removed.
func (s *SignalStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval until ctx is done.
func (s *SignalStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
