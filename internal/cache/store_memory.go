package cache

import (
	"context"
	"sync"
	"time"

	"opgate/pkg/sentinel"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// Expiry is enforced lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
}

type memoryEntry struct {
	blob      []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, sentinel.ErrNotFound
	}
	return e.blob, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{blob: blob, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddTag(ctx context.Context, tag string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tags[tag]
	if !ok {
		set = make(map[string]struct{})
		s.tags[tag] = set
	}
	set[key] = struct{}{}
	return nil
}

func (s *MemoryStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.tags[tag]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) DropTag(ctx context.Context, tag string) error {
	s.mu.Lock()
	delete(s.tags, tag)
	s.mu.Unlock()
	return nil
}

// Corrupt overwrites the raw blob for a key in place, preserving TTL. Test
// hook for exercising tamper detection.
func (s *MemoryStore) Corrupt(key string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.blob = blob
		s.entries[key] = e
	}
}
