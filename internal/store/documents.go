package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/history"
)

// DocumentStore reads document revisions and heads. It implements
// history.Store over any Querier, so ancestor search can run inside an
// integration transaction or directly against the database.
type DocumentStore struct {
	q Querier
}

// Documents returns a DocumentStore reading through q.
func Documents(q Querier) *DocumentStore {
	return &DocumentStore{q: q}
}

var _ history.Store = (*DocumentStore)(nil)

const documentColumns = `id, name, parent_ids, author, timestamp, utc_offset, type, data, schema_id`

func scanDocument(s scanner) (*domain.Document, error) {
	var d domain.Document
	var parents, ts, data string
	var offset int
	var schemaID sql.NullString
	if err := s.Scan(&d.ID, &d.Name, &parents, &d.Author, &ts, &offset, &d.Type, &data, &schemaID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parents), &d.ParentIDs); err != nil {
		return nil, fmt.Errorf("invalid parent_ids on %s: %w", d.ID, err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp on %s: %w", d.ID, err)
	}
	if offset != 0 {
		t = t.In(time.FixedZone("", offset))
	}
	d.Timestamp = t
	d.Data = json.RawMessage(data)
	d.SchemaID = ptrString(schemaID)
	return &d, nil
}

// Document implements history.Store.
func (s *DocumentStore) Document(ctx context.Context, id string) (*domain.Document, error) {
	d, err := scanDocument(s.q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM document WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return d, nil
}

// AncestorDetail implements history.Source.
func (s *DocumentStore) AncestorDetail(ctx context.Context, id string) (history.AncestorDetail, error) {
	d, err := s.Document(ctx, id)
	if err != nil {
		return history.AncestorDetail{}, err
	}
	return history.AncestorDetail{ID: d.ID, ParentIDs: d.ParentIDs, Timestamp: d.Timestamp}, nil
}

// Head implements history.Store.
func (s *DocumentStore) Head(ctx context.Context, name string) (string, bool, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `SELECT document_id FROM document_head WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get head of %s: %w", name, err)
	}
	return id, true, nil
}

// NameHistory implements history.Store.
func (s *DocumentStore) NameHistory(ctx context.Context, name string) ([]history.AncestorDetail, error) {
	docs, err := s.Revisions(ctx, name)
	if err != nil {
		return nil, err
	}
	items := make([]history.AncestorDetail, len(docs))
	for i, d := range docs {
		items[i] = history.AncestorDetail{ID: d.ID, ParentIDs: d.ParentIDs, Timestamp: d.Timestamp}
	}
	return items, nil
}

// Revisions returns every revision of a document name, oldest first.
func (s *DocumentStore) Revisions(ctx context.Context, name string) ([]*domain.Document, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM document WHERE name = ? ORDER BY timestamp ASC, id ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions of %s: %w", name, err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// InsertDocument stores a revision. Revisions are immutable: inserting an
// id that already exists is a no-op and reports false. A changelog entry is
// written only for new revisions.
func (tx *Tx) InsertDocument(ctx context.Context, d *domain.Document) (bool, error) {
	parents := d.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return false, fmt.Errorf("failed to encode parents of %s: %w", d.ID, err)
	}
	data := d.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO document (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, d.ID, d.Name, string(parentsJSON), d.Author, formatTime(d.Timestamp), utcOffset(d.Timestamp),
		d.Type, string(data), nullString(d.SchemaID))
	if err != nil {
		return false, fmt.Errorf("failed to insert document %s: %w", d.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.logChange(ctx, domain.TableDocument, d.ID, ChangelogUpsert)
}

// SetDocumentHead moves the head pointer of a document name.
func (tx *Tx) SetDocumentHead(ctx context.Context, name, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_head (name, document_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET document_id = excluded.document_id
	`, name, id)
	if err != nil {
		return fmt.Errorf("failed to set head of %s: %w", name, err)
	}
	return nil
}

// utcOffset is the zone offset of t in seconds. The legacy datetime text
// is rebuilt from it on the way out.
func utcOffset(t time.Time) int {
	_, offset := t.Zone()
	return offset
}
