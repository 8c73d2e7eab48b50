// Package translator converts records between the legacy wire schema spoken
// by the central server and the domain schema of the site replica.
//
// Each synced legacy table has one Translator. A translator declares the
// legacy tables whose records must be integrated before its own
// (PullDependencies) and whether it participates in push. The Registry
// orders translators by those dependencies once at startup; a cycle is a
// configuration error reported before any pull runs.
//
// Translators are the single place where unit and null-representation
// quirks of the legacy schema are normalized. For every field a translator
// owns, translating a legacy payload in and back out reproduces it exactly.
package translator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
)

// PullResultKind is the outcome of translating one inbound record.
type PullResultKind string

const (
	PullUpsert  PullResultKind = "upsert"
	PullDelete  PullResultKind = "delete"
	PullIgnored PullResultKind = "ignored"
)

// IntegrationOperation is one storage write produced by a translator.
type IntegrationOperation interface {
	Apply(ctx context.Context, tx *store.Tx) error
	String() string
}

// PullResult is the successful outcome of an inbound translation. A failed
// translation is reported through the error return instead.
type PullResult struct {
	Kind       PullResultKind
	Operations []IntegrationOperation
	// Reason explains an Ignored result.
	Reason string
}

// UpsertResult wraps operations that insert or update rows.
func UpsertResult(ops ...IntegrationOperation) PullResult {
	return PullResult{Kind: PullUpsert, Operations: ops}
}

// DeleteResult wraps operations that delete rows.
func DeleteResult(ops ...IntegrationOperation) PullResult {
	return PullResult{Kind: PullDelete, Operations: ops}
}

// Ignored reports a record the translator deliberately does not apply.
func Ignored(reason string) PullResult {
	return PullResult{Kind: PullIgnored, Reason: reason}
}

// Role is the deployment role of the site doing the push.
type Role string

const (
	RoleRemote  Role = "remote"
	RoleCentral Role = "central"
)

// PushContext is the site state outbound translation may depend on.
type PushContext struct {
	SiteUUID string
	StoreID  string
	Role     Role
}

// Translator converts one legacy table.
type Translator interface {
	// TableName is the legacy wire table name. It is unique in a Registry.
	TableName() string

	// PullDependencies lists the legacy tables that must be integrated
	// before this one.
	PullDependencies() []string

	// PushEnabled reports whether the translator produces outbound records.
	PushEnabled() bool

	// ChangelogTable is the domain table whose changelog entries this
	// translator pushes, or "" when it does not push.
	ChangelogTable() string

	TryTranslateFromUpsert(ctx context.Context, tx *store.Tx, rec *store.BufferRecord) (PullResult, error)
	TryTranslateFromDelete(ctx context.Context, tx *store.Tx, rec *store.BufferRecord) (PullResult, error)
	TryTranslateFromMerge(ctx context.Context, tx *store.Tx, rec *store.BufferRecord) (PullResult, error)

	// TryTranslateToUpsert and TryTranslateToDelete may return several
	// records for one change, or none when policy excludes it. They must be
	// a pure function of the stored state.
	TryTranslateToUpsert(ctx context.Context, tx *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error)
	TryTranslateToDelete(ctx context.Context, tx *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error)
}

// TranslateFrom dispatches an inbound record on its action.
func TranslateFrom(ctx context.Context, t Translator, tx *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	switch rec.Action {
	case store.SyncUpsert:
		return t.TryTranslateFromUpsert(ctx, tx, rec)
	case store.SyncDelete:
		return t.TryTranslateFromDelete(ctx, tx, rec)
	case store.SyncMerge:
		return t.TryTranslateFromMerge(ctx, tx, rec)
	default:
		return PullResult{}, fmt.Errorf("unknown action %q", rec.Action)
	}
}

// TranslateTo dispatches a changelog entry on its action.
func TranslateTo(ctx context.Context, t Translator, tx *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error) {
	if !t.PushEnabled() {
		return nil, nil
	}
	switch entry.Action {
	case store.ChangelogUpsert:
		return t.TryTranslateToUpsert(ctx, tx, pc, entry)
	case store.ChangelogDelete:
		return t.TryTranslateToDelete(ctx, tx, pc, entry)
	default:
		return nil, fmt.Errorf("unknown changelog action %q", entry.Action)
	}
}

// ActionFromLegacy maps the legacy four-way action onto the internal one.
func ActionFromLegacy(a syncapi.Action) (store.SyncAction, error) {
	switch a {
	case syncapi.ActionInsert, syncapi.ActionUpdate:
		return store.SyncUpsert, nil
	case syncapi.ActionDelete:
		return store.SyncDelete, nil
	case syncapi.ActionMerge:
		return store.SyncMerge, nil
	}
	return "", fmt.Errorf("unknown legacy action %q", a)
}

// ActionToLegacy maps an internal action onto the legacy vocabulary.
// Outbound upserts are always sent as UPDATE; the central server treats an
// update of an unknown id as an insert.
func ActionToLegacy(a store.SyncAction) syncapi.Action {
	switch a {
	case store.SyncDelete:
		return syncapi.ActionDelete
	case store.SyncMerge:
		return syncapi.ActionMerge
	default:
		return syncapi.ActionUpdate
	}
}

type upsertOp[T any] struct {
	table *store.Table[T]
	row   *T
}

// Upsert returns an operation writing row into table.
func Upsert[T any](table *store.Table[T], row *T) IntegrationOperation {
	return upsertOp[T]{table: table, row: row}
}

func (o upsertOp[T]) Apply(ctx context.Context, tx *store.Tx) error {
	return o.table.UpsertOne(ctx, tx, o.row)
}

func (o upsertOp[T]) String() string {
	return fmt.Sprintf("upsert %s %s", o.table.Name, o.table.ID(o.row))
}

type deleteOp[T any] struct {
	table *store.Table[T]
	id    string
}

// DeleteRow returns an operation deleting id from table.
func DeleteRow[T any](table *store.Table[T], id string) IntegrationOperation {
	return deleteOp[T]{table: table, id: id}
}

func (o deleteOp[T]) Apply(ctx context.Context, tx *store.Tx) error {
	return o.table.Delete(ctx, tx, o.id)
}

func (o deleteOp[T]) String() string {
	return fmt.Sprintf("delete %s %s", o.table.Name, o.id)
}

func decode(rec *store.BufferRecord, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload for %s: %w", rec.TableName, rec.RecordID, err)
	}
	return nil
}

func wireRecord(table, id string, action syncapi.Action, v any) (syncapi.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return syncapi.Record{}, fmt.Errorf("failed to encode %s %s: %w", table, id, err)
	}
	return syncapi.Record{TableName: table, RecordID: id, Action: action, Data: data}, nil
}

func deleteRecord(table, id string) (syncapi.Record, error) {
	return wireRecord(table, id, syncapi.ActionDelete, map[string]string{"ID": id})
}
