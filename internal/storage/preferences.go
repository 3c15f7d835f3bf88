// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
)

// =============================================================================
// EDITOR PREFERENCES
// =============================================================================

// Preferences are the editor settings of the single local user.
type Preferences struct {
	Theme    string `json:"theme"`
	FontSize int64  `json:"font_size"`
	AutoSave bool   `json:"auto_save"`
}

// DefaultPreferences is returned when nothing has been saved yet.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:    "default",
		FontSize: 16,
		AutoSave: true,
	}
}

const preferencesSchema = `
CREATE TABLE IF NOT EXISTS editor_preferences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    theme TEXT,
    font_size INTEGER,
    auto_save BOOLEAN
);
`

// preferencesRowID is the only row the table ever holds.
const preferencesRowID = 1

// PreferencesStore keeps Preferences in their own sqlite database.
type PreferencesStore struct {
	db *sql.DB
}

// NewPreferencesStore opens the preferences database in dataDir.
func NewPreferencesStore(dataDir string) (*PreferencesStore, error) {
	db, err := openDB(filepath.Join(dataDir, PreferencesDBName), preferencesSchema)
	if err != nil {
		return nil, err
	}
	return &PreferencesStore{db: db}, nil
}

// Close releases the database.
func (s *PreferencesStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored preferences.
func (s *PreferencesStore) Save(ctx context.Context, p Preferences) error {
	autoSave := 0
	if p.AutoSave {
		autoSave = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO editor_preferences (id, theme, font_size, auto_save) VALUES (?, ?, ?, ?)`,
		preferencesRowID, p.Theme, p.FontSize, autoSave)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Load returns the stored preferences, or DefaultPreferences when none were
// saved.
func (s *PreferencesStore) Load(ctx context.Context) (Preferences, error) {
	var (
		theme    sql.NullString
		fontSize sql.NullInt64
		autoSave sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT theme, font_size, auto_save FROM editor_preferences WHERE id = ?`, preferencesRowID).
		Scan(&theme, &fontSize, &autoSave)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	}

	return Preferences{
		Theme:    theme.String,
		FontSize: fontSize.Int64,
		AutoSave: autoSave.Int64 != 0,
	}, nil
}
