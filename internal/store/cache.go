package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PutCache stores v as JSON under key, stamped with the current time.
func (db *DB) PutCache(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache %q: %w", key, err)
	}
	_, err = db.Exec(`
		INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli())
	return err
}

// GetCache decodes the entry under key into dst when it is younger than
// maxAge. It reports whether a fresh entry was found. A maxAge <= 0
// accepts entries of any age.
func (db *DB) GetCache(key string, maxAge time.Duration, dst any) (bool, error) {
	var (
		value     string
		updatedAt int64
	)
	err := db.QueryRow(`SELECT value, updated_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if maxAge > 0 && time.Since(time.UnixMilli(updatedAt)) > maxAge {
		return false, nil
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("decode cache %q: %w", key, err)
	}
	return true, nil
}

// DeleteCache drops the entry under key.
func (db *DB) DeleteCache(key string) error {
	_, err := db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// TouchCache rewrites the timestamp of key. Used by tests and by callers
// that revalidated an entry without changing it.
func (db *DB) TouchCache(key string, at time.Time) error {
	_, err := db.Exec(`UPDATE cache_entries SET updated_at = ? WHERE key = ?`, at.UnixMilli(), key)
	return err
}
