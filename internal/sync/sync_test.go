package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesync/sitesync/internal/centralstub"
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/translator"
)

var fastRetry = syncapi.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsed:      50 * time.Millisecond,
}

type testEnv struct {
	db     *store.DB
	stub   *centralstub.Server
	client *syncapi.Client
	sync   *Synchronizer
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testSettings() Settings {
	return Settings{
		SiteUUID:      "site-1",
		StoreID:       "s1",
		Role:          translator.RoleRemote,
		PullBatchSize: 100,
		PushBatchSize: 100,
		Retry:         fastRetry,
	}
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	stub := centralstub.New(centralstub.Config{
		SiteName:     "clinic",
		PasswordHash: syncapi.HashPassword("secret"),
		SiteUUID:     "site-1",
		Logger:       quietLogger(),
	})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	client, err := syncapi.New(syncapi.Config{
		BaseURL:  srv.URL,
		SiteName: "clinic",
		Password: "secret",
		SiteUUID: "site-1",
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	cfg := Config{Settings: testSettings(), Logger: quietLogger()}
	for _, fn := range configure {
		fn(&cfg)
	}
	s, err := New(db, client, cfg)
	require.NoError(t, err)

	return &testEnv{db: db, stub: stub, client: client, sync: s}
}

func wire(table, id string, action syncapi.Action, data string) syncapi.Record {
	return syncapi.Record{TableName: table, RecordID: id, Action: action, Data: json.RawMessage(data)}
}

const (
	unitU1     = `{"ID":"u1","units":"Tablet","comment":"","order_number":0}`
	itemI1     = `{"ID":"i1","item_name":"Paracetamol","code":"PAR","unit_ID":"u1","type_of":"general","default_pack_size":1,"is_active":true}`
	nameN1     = `{"ID":"n1","name":"Main Store","code":"MS","type":"store","customer":false,"supplier":true,"first":"","last":"","date_of_birth":"0000-00-00","created_date":"0000-00-00"}`
	storeS1    = `{"ID":"s1","code":"MS","name_ID":"n1","sync_id_remote_site":1}`
	locationL1 = `{"ID":"l1","Description":"Cold room","code":"CR1","hold":false,"store_ID":"s1"}`
)

func patient(id, name string) string {
	return `{"ID":"` + id + `","name":"` + name + `","code":"` + id + `","type":"patient","customer":true,"supplier":false,"first":"","last":"","date_of_birth":"0000-00-00","created_date":"0000-00-00"}`
}

func TestNew_RejectsDependencyCycle(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	defer db.Close()

	client, err := syncapi.New(syncapi.Config{BaseURL: "http://127.0.0.1:1", SiteName: "clinic"})
	require.NoError(t, err)

	translators := []translator.Translator{
		cyclicTranslator{Translator: translator.NewUnitTranslator(), deps: []string{translator.LegacyItem}},
		cyclicTranslator{Translator: translator.NewItemTranslator(), deps: []string{translator.LegacyUnit}},
	}
	_, err = New(db, client, Config{Translators: translators, Logger: quietLogger()})
	require.Error(t, err)
	assert.ErrorIs(t, err, translator.ErrDependencyCycle)
	assert.Contains(t, err.Error(), "item")
	assert.Contains(t, err.Error(), "unit")
}

// cyclicTranslator overrides the dependencies of a real translator.
type cyclicTranslator struct {
	translator.Translator
	deps []string
}

func (c cyclicTranslator) PullDependencies() []string { return c.deps }

func TestPull_IntegratesInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Queued children first; integration must reorder them.
	env.stub.Enqueue(
		wire(translator.LegacyLocation, "l1", syncapi.ActionInsert, locationL1),
		wire(translator.LegacyItem, "i1", syncapi.ActionInsert, itemI1),
		wire(translator.LegacyStore, "s1", syncapi.ActionInsert, storeS1),
		wire(translator.LegacyName, "n1", syncapi.ActionInsert, nameN1),
		wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1),
	)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Received)
	assert.Equal(t, 5, report.Integrated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 0, env.stub.Queued())
	assert.Equal(t, 5, env.stub.Acknowledged())

	loc, err := store.Locations.FindOneByID(ctx, env.db.RawDB(), "l1")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "Cold room", loc.Name)

	rows, err := env.db.RawDB().QueryContext(ctx, `SELECT table_name FROM changelog WHERE is_sync_update = 1 ORDER BY cursor`)
	require.NoError(t, err)
	defer rows.Close()
	var applied []string
	for rows.Next() {
		var table string
		require.NoError(t, rows.Scan(&table))
		if table != domain.TableNameLink {
			applied = append(applied, table)
		}
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"unit", "name", "item", "store", "location"}, applied)

	// Integrated records are not pushed back.
	push, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, push.Entries)
	assert.Empty(t, env.stub.Pushed())
}

func TestPull_Paging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.Settings.PullBatchSize = 2 })

	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		env.stub.Enqueue(wire(translator.LegacyUnit, id, syncapi.ActionInsert,
			`{"ID":"`+id+`","units":"x","comment":"","order_number":0}`))
	}

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Received)
	assert.Equal(t, 5, report.Integrated)
	assert.Equal(t, 3, env.stub.Requests(centralstub.EndpointQueued))
}

func TestPull_SupersedesWithinPage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.Enqueue(
		wire(translator.LegacyLocation, "l1", syncapi.ActionInsert, locationL1),
		wire(translator.LegacyLocation, "l1", syncapi.ActionUpdate,
			`{"ID":"l1","Description":"Freezer","code":"FZ","hold":true,"store_ID":"s1"}`),
	)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 1, report.Integrated)

	loc, err := store.Locations.FindOneByID(ctx, env.db.RawDB(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "Freezer", loc.Name)
	assert.True(t, loc.OnHold)

	counts, err := env.db.BufferCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.BufferStats{Integrated: 1}, counts)

	var applied int
	require.NoError(t, env.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changelog WHERE table_name = 'location'`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestPull_RecordFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.Enqueue(
		wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1),
		wire(translator.LegacyItem, "bad", syncapi.ActionInsert, `{"ID":"bad","type_of":"gadget"}`),
		wire(translator.LegacyItem, "i1", syncapi.ActionInsert, itemI1),
		wire("transact", "t1", syncapi.ActionInsert, `{"ID":"t1"}`),
		wire(translator.LegacyUnit, "u9", "RENAME", `{"ID":"u9"}`),
	)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Received)
	assert.Equal(t, 2, report.Integrated)
	assert.Equal(t, 3, report.Failed)

	item, err := store.Items.FindOneByID(ctx, env.db.RawDB(), "i1")
	require.NoError(t, err)
	assert.NotNil(t, item)

	failed, err := env.db.BufferErrors(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, failed, 3)
	byID := map[string]string{}
	for _, r := range failed {
		byID[r.RecordID] = *r.IntegrationError
	}
	assert.Contains(t, byID["bad"], "gadget")
	assert.Equal(t, "no translator for table transact", byID["t1"])
	assert.Contains(t, byID["u9"], "unknown action")

	// Nothing from the failed record was applied.
	bad, err := store.Items.FindOneByID(ctx, env.db.RawDB(), "bad")
	require.NoError(t, err)
	assert.Nil(t, bad)

	// Retrying without a fix fails the same way and does not duplicate.
	retry, err := env.sync.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, retry.Failed)
	assert.Zero(t, retry.Integrated)

	// A corrected record supersedes the failed one.
	env.stub.Enqueue(wire(translator.LegacyItem, "bad", syncapi.ActionUpdate,
		`{"ID":"bad","item_name":"Fixed","code":"F","unit_ID":"","type_of":"service","default_pack_size":1,"is_active":true}`))
	report, err = env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Integrated)
	assert.Equal(t, 2, report.Failed)

	failed, err = env.db.BufferErrors(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestPull_MergeRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.Enqueue(
		wire(translator.LegacyName, "p1", syncapi.ActionInsert, patient("p1", "Doe, Jane")),
		// The merge arrives before the upsert of the merged-away name in the
		// same page, and must still be applied after it.
		wire(translator.LegacyName, "p2", syncapi.ActionMerge, `{"mergeIdToKeep":"p1","mergeIdToDelete":"p2"}`),
		wire(translator.LegacyName, "p2", syncapi.ActionInsert, patient("p2", "Doe, J")),
	)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.Integrated)

	link, err := store.NameLinks.FindOneByID(ctx, env.db.RawDB(), "p2")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "p1", link.NameID)

	// The merge was buffered under a fresh id, not under p2.
	rec, err := env.db.GetBufferRecord(ctx, translator.LegacyName, "p2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.SyncUpsert, rec.Action)

	var merges int
	require.NoError(t, env.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_buffer WHERE action = 'merge' AND record_id NOT IN ('p1', 'p2')`).Scan(&merges))
	assert.Equal(t, 1, merges)
}

func TestPull_ConnectionFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	client, err := syncapi.New(syncapi.Config{BaseURL: "http://127.0.0.1:1", SiteName: "clinic", Logger: quietLogger()})
	require.NoError(t, err)
	s, err := New(env.db, client, Config{Settings: testSettings(), Logger: quietLogger()})
	require.NoError(t, err)

	_, err = s.Pull(ctx)
	require.Error(t, err)
	assert.Equal(t, syncapi.ClassConnection, syncapi.Classify(err))
	assert.True(t, syncapi.IsRetryable(err))

	counts, err := env.db.BufferCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.BufferStats{}, counts)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "failed to fetch queued records")
	assert.Nil(t, st.LastPullTime)
}

func TestPull_AcknowledgeFailureRedelivers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.stub.Enqueue(wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1))
	env.stub.FailNext(centralstub.EndpointAcknowledge, http.StatusBadRequest)

	_, err := env.sync.Pull(ctx)
	require.Error(t, err)
	assert.Equal(t, syncapi.ClassRemote, syncapi.Classify(err))
	assert.Equal(t, 1, env.stub.Queued())

	// The page is buffered but not integrated; the next pull re-buffers it.
	counts, err := env.db.BufferCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Integrated)
	assert.Equal(t, 0, env.stub.Queued())
}

func TestPull_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.stub.Enqueue(wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1))
	env.stub.FailNext(centralstub.EndpointQueued, http.StatusServiceUnavailable)

	report, err := env.sync.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Integrated)
}

func localWrite(t *testing.T, db *store.DB, fn func(ctx context.Context, tx *store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.WithTx(ctx, false, func(tx *store.Tx) error { return fn(ctx, tx) }))
}

func TestPush_SendsLocalChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		if err := store.Units.UpsertOne(ctx, tx, &domain.Unit{ID: "u1", Name: "Tablet"}); err != nil {
			return err
		}
		if err := store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: "l1", Name: "Shelf", Code: "A", StoreID: "s1"}); err != nil {
			return err
		}
		return store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: "l1", Name: "Top shelf", Code: "A", StoreID: "s1"})
	})

	report, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Entries)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.Skipped)

	pushed := env.stub.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "location", pushed[0].TableName)
	assert.Equal(t, syncapi.ActionUpdate, pushed[0].Action)
	assert.Contains(t, string(pushed[0].Data), "Top shelf")

	latest, err := env.db.LatestCursor(ctx, true)
	require.NoError(t, err)
	cursor, err := env.db.PushCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, cursor)

	// Nothing new: nothing sent.
	report, err = env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Entries)
	assert.Len(t, env.stub.Pushed(), 1)
}

func TestPush_NonPushTablesAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		return store.Items.UpsertOne(ctx, tx, &domain.Item{ID: "i1", Name: "x", Code: "x", Type: domain.ItemTypeStock})
	})

	report, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entries)
	assert.Zero(t, report.Records)
	assert.Equal(t, 0, env.stub.Requests(centralstub.EndpointPush))

	cursor, err := env.db.PushCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Cursor, cursor)
	assert.NotZero(t, cursor)
}

func TestPush_FailureLeavesCursor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		return store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: "l1", Name: "Shelf", Code: "A", StoreID: "s1"})
	})
	env.stub.FailNext(centralstub.EndpointPush, http.StatusUnauthorized)

	_, err := env.sync.Push(ctx)
	require.Error(t, err)
	assert.True(t, syncapi.RequiresOperator(err))

	cursor, err := env.db.PushCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	report, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Len(t, env.stub.Pushed(), 1)
}

func TestPush_Batches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.Settings.PushBatchSize = 2 })

	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		for _, id := range []string{"l1", "l2", "l3"} {
			if err := store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: id, Name: id, Code: id, StoreID: "s1"}); err != nil {
				return err
			}
		}
		return store.Locations.Delete(ctx, tx, "l2")
	})

	report, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 4, report.Entries)

	// l2 was deleted before the first batch was translated, so only its
	// delete goes out.
	var actions []string
	for _, r := range env.stub.Pushed() {
		actions = append(actions, r.RecordID+":"+string(r.Action))
	}
	assert.Equal(t, []string{"l1:UPDATE", "l3:UPDATE", "l2:DELETE"}, actions)
}

func TestPush_CentralRoleSkipsLocations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.Settings.Role = translator.RoleCentral })

	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		return store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: "l1", Name: "Shelf", Code: "A", StoreID: "s1"})
	})

	report, err := env.sync.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Records)
	assert.Empty(t, env.stub.Pushed())
}

func docPayload(id, parents string, minute int, data string) string {
	ts := time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC).Format(time.RFC3339Nano)
	return `{"ID":"` + id + `","name":"patient/p1","parents":` + parents + `,"author":"central","datetime":"` + ts +
		`","type":"Patient","data":` + data + `,"form_schema_id":""}`
}

func TestRunCycle_DivergedDocumentIsMergedAndPushed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.Merger = history.ReplayMerger{} })

	env.stub.Enqueue(wire(translator.LegacyDocument, "a0", syncapi.ActionInsert,
		docPayload("a0", `[]`, 0, `{"name":"Jane","age":30}`)))
	_, err := env.sync.RunCycle(ctx)
	require.NoError(t, err)

	// Edited locally...
	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		local := &domain.Document{
			ID: "a1", Name: "patient/p1", ParentIDs: []string{"a0"}, Author: "nurse",
			Timestamp: time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC), Type: "Patient",
			Data: json.RawMessage(`{"name":"Jane","age":31}`),
		}
		if _, err := tx.InsertDocument(ctx, local); err != nil {
			return err
		}
		return tx.SetDocumentHead(ctx, local.Name, local.ID)
	})
	// ...and concurrently at another site.
	env.stub.Enqueue(wire(translator.LegacyDocument, "b0", syncapi.ActionInsert,
		docPayload("b0", `["a0"]`, 10, `{"name":"Jane Doe","age":30}`)))

	report, err := env.sync.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pull.Integrated)

	head, ok, err := store.Documents(env.db.RawDB()).Head(ctx, "patient/p1")
	require.NoError(t, err)
	require.True(t, ok)
	merged, err := store.Documents(env.db.RawDB()).Document(ctx, head)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "b0"}, merged.ParentIDs)
	assert.JSONEq(t, `{"name":"Jane Doe","age":31}`, string(merged.Data))

	// The local edit and the merge go out; the received revisions do not.
	var pushedIDs []string
	for _, r := range env.stub.Pushed() {
		pushedIDs = append(pushedIDs, r.RecordID)
	}
	assert.Equal(t, []string{"a1", head}, pushedIDs)
}

func TestRunCycle_TwoSitesConvergeOnOneMerge(t *testing.T) {
	ctx := context.Background()
	siteA := newTestEnv(t, func(c *Config) { c.Merger = history.ReplayMerger{} })
	siteB := newTestEnv(t, func(c *Config) { c.Merger = history.ReplayMerger{} })

	for _, env := range []*testEnv{siteA, siteB} {
		env.stub.Enqueue(wire(translator.LegacyDocument, "a0", syncapi.ActionInsert,
			docPayload("a0", `[]`, 0, `{"name":"Jane","age":30}`)))
		_, err := env.sync.RunCycle(ctx)
		require.NoError(t, err)
	}

	edit := func(env *testEnv, id string, minute int, data string) {
		localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
			d := &domain.Document{
				ID: id, Name: "patient/p1", ParentIDs: []string{"a0"}, Author: "nurse",
				Timestamp: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC), Type: "Patient",
				Data: json.RawMessage(data),
			}
			if _, err := tx.InsertDocument(ctx, d); err != nil {
				return err
			}
			return tx.SetDocumentHead(ctx, d.Name, d.ID)
		})
	}
	edit(siteA, "a1", 5, `{"name":"Jane","age":31}`)
	edit(siteB, "b1", 10, `{"name":"Jane Doe","age":30}`)

	head := func(env *testEnv) string {
		h, ok, err := store.Documents(env.db.RawDB()).Head(ctx, "patient/p1")
		require.NoError(t, err)
		require.True(t, ok)
		return h
	}

	// Each cycle's pushes reach the other site through its central queue.
	var sentA, sentB int
	relay := func(from, to *testEnv, sent *int) int {
		pushed := from.stub.Pushed()
		fresh := pushed[*sent:]
		*sent = len(pushed)
		if len(fresh) > 0 {
			to.stub.Enqueue(fresh...)
		}
		return len(fresh)
	}

	for round := 0; round < 4; round++ {
		_, err := siteA.sync.RunCycle(ctx)
		require.NoError(t, err)
		_, err = siteB.sync.RunCycle(ctx)
		require.NoError(t, err)
		relay(siteA, siteB, &sentA)
		relay(siteB, siteA, &sentB)
	}

	assert.Equal(t, head(siteA), head(siteB))
	assert.Equal(t, history.MergeID("a1", "b1"), head(siteA))

	// Settled: another cycle on either side pushes nothing new.
	for _, env := range []*testEnv{siteA, siteB} {
		_, err := env.sync.RunCycle(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, relay(siteA, siteB, &sentA))
	assert.Zero(t, relay(siteB, siteA, &sentB))

	merged, err := store.Documents(siteA.db.RawDB()).Document(ctx, head(siteA))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Jane Doe","age":31}`, string(merged.Data))
}

func TestRunCycle_CorruptedHistoryFailsOnlyThatDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.Enqueue(
		wire(translator.LegacyDocument, "a0", syncapi.ActionInsert, docPayload("a0", `[]`, 0, `{}`)),
		wire(translator.LegacyDocument, "c1", syncapi.ActionInsert, docPayload("c1", `["ghost"]`, 1, `{}`)),
		wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1),
	)

	report, err := env.sync.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pull.Integrated)
	assert.Equal(t, 1, report.Pull.Failed)

	rec, err := env.db.GetBufferRecord(ctx, translator.LegacyDocument, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec.IntegrationError)
	assert.Contains(t, *rec.IntegrationError, history.ErrCorruptedHistory.Error())
}

func TestSynchronizer_SingleFlight(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	env := newTestEnv(t, func(c *Config) { c.Locker = locker })

	unlock, err := locker.TryLock(ctx, "pull:site-1")
	require.NoError(t, err)

	_, err = env.sync.Pull(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	_, err = env.sync.RetryFailed(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	// Push is a different direction.
	_, err = env.sync.Push(ctx)
	assert.NoError(t, err)

	unlock()
	_, err = env.sync.Pull(ctx)
	assert.NoError(t, err)
}

func TestSynchronizer_Status(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.Enqueue(wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1))
	localWrite(t, env.db, func(ctx context.Context, tx *store.Tx) error {
		return store.Locations.UpsertOne(ctx, tx, &domain.Location{ID: "l1", Name: "Shelf", Code: "A", StoreID: "s1"})
	})

	st, err := env.sync.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Backlog)
	assert.Nil(t, st.LastPullTime)

	_, err = env.sync.RunCycle(ctx)
	require.NoError(t, err)

	st, err = env.sync.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Backlog)
	assert.Equal(t, st.LatestCursor, st.PushCursor)
	assert.Equal(t, int64(1), st.Buffer.Integrated)
	assert.NotNil(t, st.LastPullTime)
	assert.NotNil(t, st.LastPushTime)
	assert.Empty(t, st.LastError)
	assert.Equal(t, translator.LegacyUnit, st.PullOrder[0])
}

func TestRetryFailed_ClearsLastError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.stub.FailNext(centralstub.EndpointQueued, http.StatusUnauthorized)
	_, err := env.sync.Pull(ctx)
	require.Error(t, err)

	st, err := env.sync.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, st.LastError)
	assert.Nil(t, st.LastPullTime)

	_, err = env.sync.RetryFailed(ctx)
	require.NoError(t, err)

	st, err = env.sync.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
	assert.NotNil(t, st.LastPullTime)
}

func TestPull_CancelledBetweenRecords(t *testing.T) {
	env := newTestEnv(t)
	env.stub.Enqueue(wire(translator.LegacyUnit, "u1", syncapi.ActionInsert, unitU1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.sync.Pull(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	counts, err := env.db.BufferCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.BufferStats{}, counts)
}
