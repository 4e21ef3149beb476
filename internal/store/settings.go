package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Settings are the runtime-adjustable knobs persisted in the store.
// They override the static config file where set.
type Settings map[string]string

// Well-known setting keys.
const (
	SettingSessionDurationHours = "session_duration_hours"
	SettingConfirmTimeoutSecs   = "confirm_timeout_seconds"
	SettingReminderLeadMinutes  = "reminder_lead_minutes"
	SettingRetentionDays        = "retention_days"
	SettingRequireConfirmation  = "require_confirmation"
)

// GetSetting returns one setting value, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores one setting value. Empty value deletes the key so
// the static config takes over again.
func (s *Store) SetSetting(key, value string) error {
	if value == "" {
		_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("clear setting: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toUnix(s.now()))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// AllSettings loads every persisted setting.
func (s *Store) AllSettings() (Settings, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	out := make(Settings)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
