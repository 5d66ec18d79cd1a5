package postgres

import (
	"context"
	"encoding/json"
	"fmt"
)

// SettingsStore keeps JSONB values in the settings table.
type SettingsStore struct {
	db DB
}

// NewSettingsStore creates a settings store on db.
func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get decodes the value stored under key into dst.
//
// Returns store.ErrNotFound if the key has never been written.
func (s *SettingsStore) Get(ctx context.Context, key string, dst any) error {
	var raw json.RawMessage
	if err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw); err != nil {
		return fmt.Errorf("failed to load setting %s: %w", key, mapErr(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal setting %s: %w", key, err)
	}
	return nil
}

// Put upserts the value stored under key.
func (s *SettingsStore) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, key, raw); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent inserts value only when key is unset.
//
// Concurrent writers race on the primary key; exactly one of them reports true.
func (s *SettingsStore) PutIfAbsent(ctx context.Context, key string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING`,
		key, raw)
	if err != nil {
		return false, fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
