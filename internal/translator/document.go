package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
)

type legacyDocument struct {
	ID           string          `json:"ID"`
	Name         string          `json:"name"`
	Parents      []string        `json:"parents"`
	Author       string          `json:"author"`
	Datetime     string          `json:"datetime"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	FormSchemaID string          `json:"form_schema_id"`
}

func documentToDomain(l *legacyDocument) (*domain.Document, error) {
	ts, err := time.Parse(time.RFC3339Nano, l.Datetime)
	if err != nil {
		return nil, fmt.Errorf("invalid datetime %q: %w", l.Datetime, err)
	}
	parents := l.Parents
	if parents == nil {
		parents = []string{}
	}
	d := &domain.Document{
		ID:        l.ID,
		Name:      l.Name,
		ParentIDs: parents,
		Author:    l.Author,
		Timestamp: ts,
		Type:      l.Type,
		Data:      l.Data,
		SchemaID:  optional(l.FormSchemaID),
	}
	return d, d.Validate()
}

func documentToLegacy(d *domain.Document) *legacyDocument {
	parents := d.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	return &legacyDocument{
		ID:           d.ID,
		Name:         d.Name,
		Parents:      parents,
		Author:       d.Author,
		Datetime:     d.Timestamp.Format(time.RFC3339Nano),
		Type:         d.Type,
		Data:         d.Data,
		FormSchemaID: fromOptional(d.SchemaID),
	}
}

// documentTranslator syncs document revisions. Revisions are immutable, so
// deletes are ignored; an inbound revision advances the head of its
// document name, merging with the local head when the histories diverged.
type documentTranslator struct {
	merger history.Merger
}

// NewDocumentTranslator returns the document translator. A nil merger
// selects history.LatestWins.
func NewDocumentTranslator(merger history.Merger) Translator {
	if merger == nil {
		merger = history.LatestWins{}
	}
	return &documentTranslator{merger: merger}
}

func (t *documentTranslator) TableName() string          { return LegacyDocument }
func (t *documentTranslator) PullDependencies() []string { return nil }
func (t *documentTranslator) PushEnabled() bool          { return true }
func (t *documentTranslator) ChangelogTable() string     { return domain.TableDocument }

func (t *documentTranslator) roundTrip(data json.RawMessage) (json.RawMessage, error) {
	var l legacyDocument
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	d, err := documentToDomain(&l)
	if err != nil {
		return nil, err
	}
	return json.Marshal(documentToLegacy(d))
}

func (t *documentTranslator) TryTranslateFromUpsert(_ context.Context, _ *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	var l legacyDocument
	if err := decode(rec, &l); err != nil {
		return PullResult{}, err
	}
	doc, err := documentToDomain(&l)
	if err != nil {
		return PullResult{}, err
	}
	if doc.ID != rec.RecordID {
		return PullResult{}, fmt.Errorf("document payload id %q does not match record id %q", doc.ID, rec.RecordID)
	}
	return UpsertResult(&documentOp{doc: doc, merger: t.merger}), nil
}

func (t *documentTranslator) TryTranslateFromDelete(context.Context, *store.Tx, *store.BufferRecord) (PullResult, error) {
	return Ignored("document revisions are immutable"), nil
}

func (t *documentTranslator) TryTranslateFromMerge(context.Context, *store.Tx, *store.BufferRecord) (PullResult, error) {
	return Ignored("merge is not supported for documents"), nil
}

func (t *documentTranslator) TryTranslateToUpsert(ctx context.Context, tx *store.Tx, _ PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error) {
	doc, err := store.Documents(tx).Document(ctx, entry.RecordID)
	if err != nil {
		return nil, err
	}
	rec, err := wireRecord(LegacyDocument, doc.ID, syncapi.ActionUpdate, documentToLegacy(doc))
	if err != nil {
		return nil, err
	}
	return []syncapi.Record{rec}, nil
}

func (t *documentTranslator) TryTranslateToDelete(context.Context, *store.Tx, PushContext, store.ChangelogEntry) ([]syncapi.Record, error) {
	return nil, nil
}

// documentOp stores an inbound revision and advances its name's head.
type documentOp struct {
	doc    *domain.Document
	merger history.Merger
}

func (o *documentOp) String() string {
	return fmt.Sprintf("integrate document %s (%s)", o.doc.ID, o.doc.Name)
}

func (o *documentOp) Apply(ctx context.Context, tx *store.Tx) error {
	if _, err := tx.InsertDocument(ctx, o.doc); err != nil {
		return err
	}

	res, err := history.ResolveHead(ctx, store.Documents(tx), o.doc, o.merger)
	if err != nil {
		return fmt.Errorf("failed to resolve head of %s: %w", o.doc.Name, err)
	}

	switch res.Kind {
	case history.ResolutionUnchanged:
		return nil
	case history.ResolutionMerged:
		// The merge revision is a local change and must be pushed.
		if _, err := tx.LocalChanges().InsertDocument(ctx, res.Merged); err != nil {
			return err
		}
	}
	return tx.SetDocumentHead(ctx, o.doc.Name, res.Head)
}
