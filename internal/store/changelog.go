package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangelogAction is the kind of local mutation recorded in the changelog.
type ChangelogAction string

const (
	ChangelogUpsert ChangelogAction = "upsert"
	ChangelogDelete ChangelogAction = "delete"
)

// ChangelogEntry is one row of the append-only changelog.
type ChangelogEntry struct {
	Cursor       int64
	TableName    string
	RecordID     string
	Action       ChangelogAction
	IsSyncUpdate bool
	CreatedAt    time.Time
}

// logChange appends a changelog entry inside the transaction that made the
// mutation, so the two commit or roll back together.
func (tx *Tx) logChange(ctx context.Context, table, recordID string, action ChangelogAction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO changelog (table_name, record_id, action, is_sync_update, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, table, recordID, string(action), tx.syncUpdate, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append changelog for %s %s: %w", table, recordID, err)
	}
	return nil
}

// ChangelogAfter returns up to limit locally originated entries with a
// cursor strictly greater than after, in ascending cursor order. Entries
// written by pull integration are skipped.
func (db *DB) ChangelogAfter(ctx context.Context, after int64, limit int) ([]ChangelogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT cursor, table_name, record_id, action, is_sync_update, created_at
		FROM changelog
		WHERE cursor > ? AND is_sync_update = 0
		ORDER BY cursor ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}
	defer rows.Close()

	var entries []ChangelogEntry
	for rows.Next() {
		var e ChangelogEntry
		var action, created string
		if err := rows.Scan(&e.Cursor, &e.TableName, &e.RecordID, &action, &e.IsSyncUpdate, &created); err != nil {
			return nil, fmt.Errorf("failed to scan changelog: %w", err)
		}
		e.Action = ChangelogAction(action)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("invalid changelog timestamp %q: %w", created, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestCursor returns the highest changelog cursor, or 0 for an empty log.
// When localOnly is set, entries written by pull integration are ignored.
func (db *DB) LatestCursor(ctx context.Context, localOnly bool) (int64, error) {
	query := `SELECT MAX(cursor) FROM changelog`
	if localOnly {
		query += ` WHERE is_sync_update = 0`
	}
	var cursor sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, query).Scan(&cursor); err != nil {
		return 0, fmt.Errorf("failed to get latest cursor: %w", err)
	}
	return cursor.Int64, nil
}

// CountChangelogAfter counts locally originated entries after a cursor.
func (db *DB) CountChangelogAfter(ctx context.Context, after int64) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changelog WHERE cursor > ? AND is_sync_update = 0`, after).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changelog: %w", err)
	}
	return n, nil
}
