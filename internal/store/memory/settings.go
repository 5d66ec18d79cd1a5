package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/unklstewy/securelinks/internal/store"
)

// SettingsStore keeps JSON encoded settings in a map.
type SettingsStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewSettingsStore creates an empty settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{values: make(map[string]json.RawMessage)}
}

func (s *SettingsStore) Get(_ context.Context, key string, dst any) error {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return nil
}

func (s *SettingsStore) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *SettingsStore) PutIfAbsent(_ context.Context, key string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = raw
	return true, nil
}

// PutRaw stores an already encoded value.
func (s *SettingsStore) PutRaw(key string, raw []byte) {
	s.mu.Lock()
	s.values[key] = append(json.RawMessage(nil), raw...)
	s.mu.Unlock()
}
