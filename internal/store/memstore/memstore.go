// Package memstore implements store.Store as an in-process map, used as the
// default backend and in tests. It is safe for concurrent use.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/devplane/relay/internal/store"
)

const sweepInterval = time.Second

type entry struct {
	value  []byte
	expiry time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Store is an in-memory, TTL-aware store.Store. A background goroutine
// sweeps expired entries every sweepInterval so List and memory usage don't
// accumulate garbage between accesses; Get also checks expiry eagerly so
// TTL is honoured to within one second even between sweeps.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	once sync.Once
}

// New creates an empty Store and starts its background sweeper. Call Close
// to stop the sweeper goroutine.
func New() *Store {
	s := &Store{entries: make(map[string]entry)}
	s.stop = make(chan struct{})
	go s.sweep()
	return s
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Put stores value under key with the given ttl (<=0 means no expiry).
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	e := entry{value: cp}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Get returns the value stored under key, or store.ErrNotFound if absent or expired.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// List returns all non-expired keys with the given prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
