package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Keys of the key_value_store table.
const (
	KeyPushCursor   = "push_cursor"
	KeySiteID       = "site_id"
	KeyLastPullTime = "last_pull_time"
	KeyLastPushTime = "last_push_time"
	KeyLastError    = "last_error"
)

// GetKV returns the value for key and whether it was present.
func GetKV(ctx context.Context, q Querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM key_value_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

// SetKV stores value under key.
func SetKV(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO key_value_store (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// PushCursor returns the last changelog cursor acknowledged by the central
// server, or 0 if nothing was pushed yet.
func (db *DB) PushCursor(ctx context.Context) (int64, error) {
	v, ok, err := GetKV(ctx, db.conn, KeyPushCursor)
	if err != nil || !ok {
		return 0, err
	}
	cursor, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid push cursor %q: %w", v, err)
	}
	return cursor, nil
}

// SetPushCursor records the last acknowledged changelog cursor.
func (db *DB) SetPushCursor(ctx context.Context, cursor int64) error {
	return SetKV(ctx, db.conn, KeyPushCursor, strconv.FormatInt(cursor, 10))
}

// GetTime reads a timestamp stored under key. It returns nil when unset.
func (db *DB) GetTime(ctx context.Context, key string) (*time.Time, error) {
	v, ok, err := GetKV(ctx, db.conn, key)
	if err != nil || !ok {
		return nil, err
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return &t, nil
}

// SetTime stores a timestamp under key.
func (db *DB) SetTime(ctx context.Context, key string, t time.Time) error {
	return SetKV(ctx, db.conn, key, formatTime(t))
}

// GetString reads a plain value; missing keys yield "".
func (db *DB) GetString(ctx context.Context, key string) (string, error) {
	v, _, err := GetKV(ctx, db.conn, key)
	return v, err
}

// SetString stores a plain value.
func (db *DB) SetString(ctx context.Context, key, value string) error {
	return SetKV(ctx, db.conn, key, value)
}
