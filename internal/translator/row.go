package translator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
)

// rowTranslator is a translator for a legacy table mapping one-to-one onto
// a domain table. L is the legacy payload, T the domain row.
type rowTranslator[L, T any] struct {
	table    string
	deps     []string
	repo     *store.Table[T]
	toDomain func(l *L) (*T, error)
	toLegacy func(row *T) *L
	// push decides whether a row is pushed; nil disables push.
	push func(pc PushContext, row *T) bool
}

func (t *rowTranslator[L, T]) TableName() string { return t.table }

func (t *rowTranslator[L, T]) PullDependencies() []string { return t.deps }

func (t *rowTranslator[L, T]) PushEnabled() bool { return t.push != nil }

func (t *rowTranslator[L, T]) ChangelogTable() string {
	if t.push == nil {
		return ""
	}
	return t.repo.Name
}

// translateIn converts a legacy payload to its domain row.
func (t *rowTranslator[L, T]) translateIn(data json.RawMessage) (*T, error) {
	var l L
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t.table, err)
	}
	return t.toDomain(&l)
}

// roundTrip translates a legacy payload in and back out.
func (t *rowTranslator[L, T]) roundTrip(data json.RawMessage) (json.RawMessage, error) {
	row, err := t.translateIn(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t.toLegacy(row))
}

func (t *rowTranslator[L, T]) TryTranslateFromUpsert(_ context.Context, _ *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	row, err := t.translateIn(rec.Data)
	if err != nil {
		return PullResult{}, err
	}
	if got := t.repo.ID(row); got != rec.RecordID {
		return PullResult{}, fmt.Errorf("%s payload id %q does not match record id %q", t.table, got, rec.RecordID)
	}
	return UpsertResult(Upsert(t.repo, row)), nil
}

func (t *rowTranslator[L, T]) TryTranslateFromDelete(_ context.Context, _ *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	return DeleteResult(DeleteRow(t.repo, rec.RecordID)), nil
}

func (t *rowTranslator[L, T]) TryTranslateFromMerge(_ context.Context, _ *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	return Ignored(fmt.Sprintf("merge is not supported for %s", t.table)), nil
}

func (t *rowTranslator[L, T]) TryTranslateToUpsert(ctx context.Context, tx *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error) {
	if t.push == nil {
		return nil, nil
	}
	row, err := t.repo.FindOneByID(ctx, tx, entry.RecordID)
	if err != nil {
		return nil, err
	}
	// Deleted since; the delete entry that follows is pushed instead.
	if row == nil {
		return nil, nil
	}
	if !t.push(pc, row) {
		return nil, nil
	}
	rec, err := wireRecord(t.table, entry.RecordID, syncapi.ActionUpdate, t.toLegacy(row))
	if err != nil {
		return nil, err
	}
	return []syncapi.Record{rec}, nil
}

func (t *rowTranslator[L, T]) TryTranslateToDelete(_ context.Context, _ *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error) {
	if t.push == nil {
		return nil, nil
	}
	rec, err := deleteRecord(t.table, entry.RecordID)
	if err != nil {
		return nil, err
	}
	return []syncapi.Record{rec}, nil
}

func pushAlways[T any](PushContext, *T) bool { return true }

func pushFromRemote[T any](pc PushContext, _ *T) bool { return pc.Role == RoleRemote }
