package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded values in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string, target any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	payload, ok := s.entries[normalized]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := decodeValue(normalized, payload, target); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value any) error {
	return s.Apply(ctx, Put(key, value))
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	return s.Apply(ctx, Delete(key))
}

func (s *MemoryStore) Apply(ctx context.Context, writes ...Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeWrites(writes)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, write := range encoded {
		if write.delete {
			delete(s.entries, write.key)
			continue
		}
		s.entries[write.key] = write.payload
	}
	return nil
}

// Has reports whether key is present.
func (s *MemoryStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Keys returns every stored key in no particular order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}
