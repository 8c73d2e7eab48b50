package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/logging"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/translator"
	"github.com/sitesync/sitesync/internal/ui"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{name: "empty", input: "", want: time.Time{}},
		{name: "date", input: "2024-03-01", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{name: "rfc3339", input: "2024-03-01T08:30:00Z", want: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)},
		{name: "relative", input: "2 days ago", want: now.Add(-48 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.input, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	_, err := parseSince("whenever", now)
	assert.Error(t, err)
}

func TestWriteErrors(t *testing.T) {
	ui.DisableColor()
	received := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := []errorRow{{Table: "item", RecordID: "i1", Action: "upsert", ReceivedAt: received, Error: "unknown item type \"gadget\""}}

	var buf bytes.Buffer
	require.NoError(t, writeErrors(&buf, "json", rows))
	var fromJSON []errorRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, rows[0].RecordID, fromJSON[0].RecordID)
	assert.True(t, received.Equal(fromJSON[0].ReceivedAt))

	buf.Reset()
	require.NoError(t, writeErrors(&buf, "yaml", rows))
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, "item", fromYAML[0]["table"])
	assert.Equal(t, "unknown item type \"gadget\"", fromYAML[0]["error"])

	buf.Reset()
	require.NoError(t, writeErrors(&buf, "table", rows))
	assert.Contains(t, buf.String(), "RECORD")
	assert.Contains(t, buf.String(), "gadget")

	buf.Reset()
	require.NoError(t, writeErrors(&buf, "table", nil))
	assert.Contains(t, buf.String(), "No integration errors")

	assert.Error(t, writeErrors(&buf, "xml", rows))
}

func TestExportAndInspectDocument(t *testing.T) {
	ctx := context.Background()
	ui.DisableColor()

	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.InitSchema(ctx))

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	revs := []*domain.Document{
		{ID: "a0", Name: "patient/p1", ParentIDs: []string{}, Timestamp: base, Data: json.RawMessage(`{}`)},
		{ID: "a1", Name: "patient/p1", ParentIDs: []string{"a0"}, Timestamp: base.Add(time.Minute), Data: json.RawMessage(`{}`)},
		{ID: "b1", Name: "patient/p1", ParentIDs: []string{"a0"}, Timestamp: base.Add(2 * time.Minute), Data: json.RawMessage(`{}`)},
		{ID: "m", Name: "patient/p1", ParentIDs: []string{"a1", "b1"}, Timestamp: base.Add(3 * time.Minute), Data: json.RawMessage(`{}`)},
	}
	require.NoError(t, db.WithTx(ctx, false, func(tx *store.Tx) error {
		for _, d := range revs {
			if _, err := tx.InsertDocument(ctx, d); err != nil {
				return err
			}
		}
		return tx.SetDocumentHead(ctx, "patient/p1", "m")
	}))

	archive, err := history.OpenArchive(history.ArchiveConfig{Path: filepath.Join(t.TempDir(), "archive"), Logger: logging.Discard()})
	require.NoError(t, err)
	defer archive.Close()

	n, err := exportDocument(ctx, store.Documents(db.RawDB()), archive, "patient/p1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = exportDocument(ctx, store.Documents(db.RawDB()), archive, "patient/none")
	assert.Error(t, err)

	for _, src := range []history.Store{store.Documents(db.RawDB()), archive} {
		head, err := resolveRevision(ctx, src, "patient/p1")
		require.NoError(t, err)
		assert.Equal(t, "m", head)

		id, err := resolveRevision(ctx, src, "b1")
		require.NoError(t, err)
		assert.Equal(t, "b1", id)

		_, err = resolveRevision(ctx, src, "nope")
		assert.ErrorIs(t, err, history.ErrNotFound)

		base, err := history.CommonAncestor(ctx, src, "a1", "b1")
		require.NoError(t, err)
		assert.Equal(t, "a0", base)

		rows, err := documentHistory(ctx, src, "patient/p1")
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "m (head)", rows[0][0])
		assert.Equal(t, "a0", rows[3][0])
	}
}

func TestSettingsFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Site.StoreID = "s1"
	cfg.Site.Role = "central"
	cfg.Sync.PullBatchSize = 50
	cfg.Sync.RetryElapsed = time.Second

	s := settingsFrom(&cfg, "site-1")
	assert.Equal(t, "site-1", s.SiteUUID)
	assert.Equal(t, "s1", s.StoreID)
	assert.Equal(t, translator.RoleCentral, s.Role)
	assert.Equal(t, 50, s.PullBatchSize)
	assert.Equal(t, time.Second, s.Retry.MaxElapsed)

	cfg.Site.UUID = "configured"
	u := updateFrom(&cfg, "site-1")
	assert.Equal(t, "configured", u.Settings.SiteUUID)
	assert.Equal(t, cfg.Sync.Interval, u.Interval)

	_, isReplay := mergerFrom(&config.Config{Docs: config.DocsConfig{Merger: "replay"}}).(history.ReplayMerger)
	assert.True(t, isReplay)
}
