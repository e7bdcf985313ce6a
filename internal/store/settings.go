package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SettingStore reads and writes the key/value rows of the setting table.
type SettingStore struct {
	db *sqlx.DB
}

// NewSettingStore creates a SettingStore.
func NewSettingStore(db *sqlx.DB) *SettingStore {
	return &SettingStore{db: db}
}

// SelectAll returns every stored option.
func (s *SettingStore) SelectAll(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, value FROM setting`); err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

// Set stores one option, replacing a previous value.
func (s *SettingStore) Set(ctx context.Context, name, value string) error {
	q := s.db.Rebind(`INSERT INTO setting (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, q, name, value); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", name, err)
	}
	return nil
}
