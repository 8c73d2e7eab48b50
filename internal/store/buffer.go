package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SyncAction is the internal action of an inbound record.
type SyncAction string

const (
	SyncUpsert SyncAction = "upsert"
	SyncDelete SyncAction = "delete"
	SyncMerge  SyncAction = "merge"
)

// BufferRecord is an inbound record staged for integration.
//
// Seq is the local arrival order. A record that supersedes an older pending
// one for the same key takes a fresh Seq, so it integrates in the position
// it arrived rather than the position of the record it replaced.
type BufferRecord struct {
	TableName        string
	RecordID         string
	Action           SyncAction
	Data             json.RawMessage
	Seq              int64
	ReceivedTime     time.Time
	IntegrationTime  *time.Time
	IntegrationError *string
}

// Pending reports whether the record still awaits integration.
func (r *BufferRecord) Pending() bool {
	return r.IntegrationTime == nil
}

// BufferStats summarises the sync buffer.
type BufferStats struct {
	Pending    int64
	Failed     int64
	Integrated int64
}

// UpsertBufferRecords stages a page of inbound records in one transaction.
//
// At most one record exists per (table_name, record_id): a newer record
// overwrites the older one and clears its integration state, so only the
// latest version is integrated.
func (db *DB) UpsertBufferRecords(ctx context.Context, records []BufferRecord) error {
	if len(records) == 0 {
		return nil
	}

	return db.WithTx(ctx, false, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sync_buffer (table_name, record_id, action, data, seq, received_time, integration_time, integration_error)
			VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_buffer), ?, NULL, NULL)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				action = excluded.action,
				data = excluded.data,
				seq = excluded.seq,
				received_time = excluded.received_time,
				integration_time = NULL,
				integration_error = NULL
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare buffer insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now()
		for _, r := range records {
			received := r.ReceivedTime
			if received.IsZero() {
				received = now
			}
			data := r.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			if _, err := stmt.ExecContext(ctx, r.TableName, r.RecordID, string(r.Action),
				string(data), formatTime(received)); err != nil {
				return fmt.Errorf("failed to buffer %s %s: %w", r.TableName, r.RecordID, err)
			}
		}
		return nil
	})
}

const bufferColumns = `table_name, record_id, action, data, seq, received_time, integration_time, integration_error`

// PendingBufferRecords returns every record not yet integrated, including
// ones that failed before, in arrival order.
func (db *DB) PendingBufferRecords(ctx context.Context) ([]BufferRecord, error) {
	return db.queryBuffer(ctx, `SELECT `+bufferColumns+` FROM sync_buffer
		WHERE integration_time IS NULL ORDER BY seq ASC`)
}

// BufferErrors returns records whose last integration attempt failed and
// that were received at or after since. A zero since returns all of them.
func (db *DB) BufferErrors(ctx context.Context, since time.Time) ([]BufferRecord, error) {
	return db.queryBuffer(ctx, `SELECT `+bufferColumns+` FROM sync_buffer
		WHERE integration_time IS NULL AND integration_error IS NOT NULL AND received_time >= ?
		ORDER BY seq ASC`, formatTime(since))
}

// GetBufferRecord returns one buffer record, or nil when absent.
func (db *DB) GetBufferRecord(ctx context.Context, table, recordID string) (*BufferRecord, error) {
	records, err := db.queryBuffer(ctx, `SELECT `+bufferColumns+` FROM sync_buffer
		WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (db *DB) queryBuffer(ctx context.Context, query string, args ...any) ([]BufferRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync buffer: %w", err)
	}
	defer rows.Close()

	var records []BufferRecord
	for rows.Next() {
		var r BufferRecord
		var action, data, received string
		var integrated, integrationErr sql.NullString
		if err := rows.Scan(&r.TableName, &r.RecordID, &action, &data, &r.Seq, &received,
			&integrated, &integrationErr); err != nil {
			return nil, fmt.Errorf("failed to scan sync buffer: %w", err)
		}
		r.Action = SyncAction(action)
		r.Data = json.RawMessage(data)
		r.IntegrationError = ptrString(integrationErr)
		if r.ReceivedTime, err = parseTime(received); err != nil {
			return nil, fmt.Errorf("invalid received_time %q: %w", received, err)
		}
		if r.IntegrationTime, err = parseNullTime(integrated); err != nil {
			return nil, fmt.Errorf("invalid integration_time %q: %w", integrated.String, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkIntegrated records successful integration. It runs inside the
// integration transaction so the mark commits with the applied rows.
func (tx *Tx) MarkIntegrated(ctx context.Context, table, recordID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_buffer SET integration_time = ?, integration_error = NULL
		WHERE table_name = ? AND record_id = ?
	`, formatTime(time.Now()), table, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s integrated: %w", table, recordID, err)
	}
	return nil
}

// SetIntegrationError records why a buffer record failed to integrate. The
// record stays pending and is retried on the next pull.
func (db *DB) SetIntegrationError(ctx context.Context, table, recordID, msg string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_buffer SET integration_error = ?
		WHERE table_name = ? AND record_id = ?
	`, msg, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to record integration error for %s %s: %w", table, recordID, err)
	}
	return nil
}

// BufferCounts returns pending, failed and integrated record counts.
func (db *DB) BufferCounts(ctx context.Context) (BufferStats, error) {
	var s BufferStats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN integration_time IS NULL AND integration_error IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN integration_time IS NULL AND integration_error IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN integration_time IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sync_buffer
	`).Scan(&s.Pending, &s.Failed, &s.Integrated)
	if err != nil {
		return s, fmt.Errorf("failed to count sync buffer: %w", err)
	}
	return s, nil
}
