package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santarrsgrotto/readarr-server/internal/store"
)

// KVStore is an in-memory store.KV. Values do not survive the process.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewKVStore creates an empty KVStore.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]json.RawMessage)}
}

// Get returns a copy of the value stored at key.
func (s *KVStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	return append(json.RawMessage(nil), value...), nil
}

// Set stores a copy of value.
func (s *KVStore) Set(_ context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("%s: value is not valid JSON", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Update runs fn under the write lock and applies its result atomically.
func (s *KVStore) Update(_ context.Context, keys []string, fn store.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			current[key] = append(json.RawMessage(nil), value...)
		}
	}
	writes, err := fn(current)
	if err != nil {
		return err
	}
	for key, value := range writes {
		if !json.Valid(value) {
			return fmt.Errorf("%s: value is not valid JSON", key)
		}
	}
	for key, value := range writes {
		s.data[key] = append(json.RawMessage(nil), value...)
	}
	return nil
}
