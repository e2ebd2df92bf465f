package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FlagStore is a fast in-memory key-value store of self-expiring flags.
// It backs token revocation (keyed by token id) and post-migration session
// invalidation (keyed by subject id): both checks must be O(1) on the hot
// request path and both expire naturally with the token lifetime.
type FlagStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	stopCh  chan struct{}
}

// NewFlagStore creates a flag store and starts its cleanup worker
func NewFlagStore() *FlagStore {
	s := &FlagStore{
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}

	go s.cleanupWorker()

	return s
}

// Set records a flag that expires after ttl
func (s *FlagStore) Set(key string, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = time.Now().Add(ttl)
	s.mu.Unlock()

	log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Flag set")
}

// IsSet reports whether a flag exists and has not expired
func (s *FlagStore) IsSet(key string) bool {
	s.mu.RLock()
	expiry, exists := s.entries[key]
	s.mu.RUnlock()

	return exists && time.Now().Before(expiry)
}

// Delete removes a flag before its expiry
func (s *FlagStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Close stops the cleanup worker
func (s *FlagStore) Close() {
	close(s.stopCh)
}

func (s *FlagStore) cleanupWorker() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deleteExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *FlagStore) deleteExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Expired flags cleaned up")
	}
}
