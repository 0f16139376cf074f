package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	metadata  Metadata
	expiresAt time.Time
}

// MemStore is an in-process, mutex-guarded Store. A background goroutine
// periodically sweeps expired entries so a long-running process does not
// accumulate unbounded dead keys; reads never rely on the sweep having run
// since every read re-checks expiresAt itself.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewMemStore creates a MemStore and starts its sweep goroutine.
func NewMemStore() *MemStore {
	s := &MemStore{
		entries:       make(map[string]memEntry),
		sweepInterval: time.Minute,
		stop:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemStore) Put(_ context.Context, key string, value []byte, ttl time.Duration, metadata Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		value:     append([]byte{}, value...),
		metadata:  metadata,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemStore) GetWithMetadata(_ context.Context, key string) ([]byte, *Metadata, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil, ErrNotFound
	}
	md := e.metadata
	return append([]byte{}, e.value...), &md, nil
}

func (s *MemStore) ListPrefix(_ context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
