package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/translator"
)

// PushReport summarises one push.
type PushReport struct {
	// Entries is the number of changelog entries consumed.
	Entries int
	// Records is the number of wire records sent.
	Records int
	// Batches is the number of batches the cursor advanced over.
	Batches int
	// Skipped counts entries that produced no record (no translator, push
	// disabled, or filtered by the translator).
	Skipped int
	// Cursor is the push cursor after the push.
	Cursor int64
}

// Pusher sends local changes to the central server.
type Pusher struct {
	sc *SyncContext
}

// NewPusher returns a pusher working on sc.
func NewPusher(sc *SyncContext) *Pusher {
	return &Pusher{sc: sc}
}

// Push sends every locally originated changelog entry after the push
// cursor, one batch at a time. The cursor advances past a batch only when
// the central server accepted it, or when the batch produced no records.
// Any API failure stops the push with the cursor where it was.
func (p *Pusher) Push(ctx context.Context) (*PushReport, error) {
	settings := p.sc.Settings()
	pc := settings.PushContext()
	log := p.sc.Log.WithField("phase", "push")

	cursor, err := p.sc.DB.PushCursor(ctx)
	if err != nil {
		return nil, err
	}
	report := &PushReport{Cursor: cursor}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		entries, err := p.sc.DB.ChangelogAfter(ctx, cursor, settings.PushBatchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}
		last := entries[len(entries)-1].Cursor

		records, skipped, err := p.translate(ctx, pc, dedupe(entries))
		if err != nil {
			return report, err
		}

		if len(records) > 0 {
			remaining, err := p.sc.DB.CountChangelogAfter(ctx, last)
			if err != nil {
				return report, err
			}
			err = syncapi.Retry(ctx, settings.Retry, func() error {
				_, err := p.sc.API.PushRecords(ctx, records, int(remaining))
				return err
			})
			if err != nil {
				return report, fmt.Errorf("failed to push records: %w", err)
			}
		}

		if err := p.sc.DB.SetPushCursor(ctx, last); err != nil {
			return report, err
		}
		cursor = last

		report.Entries += len(entries)
		report.Records += len(records)
		report.Skipped += skipped
		report.Batches++
		report.Cursor = cursor

		log.WithFields(logrus.Fields{
			"cursor":  cursor,
			"entries": len(entries),
			"records": len(records),
		}).Debug("pushed batch")
	}
}

// translate turns entries into wire records inside one read-only
// transaction, so the whole batch sees one snapshot.
func (p *Pusher) translate(ctx context.Context, pc translator.PushContext, entries []store.ChangelogEntry) ([]syncapi.Record, int, error) {
	tx, err := p.sc.DB.BeginReadOnly(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	var records []syncapi.Record
	skipped := 0
	for _, e := range entries {
		translators := p.sc.Registry.ForChangelog(e.TableName)
		produced := 0
		for _, t := range translators {
			recs, err := translator.TranslateTo(ctx, t, tx, pc, e)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to translate %s %s for push: %w", e.TableName, e.RecordID, err)
			}
			produced += len(recs)
			records = append(records, recs...)
		}
		if produced == 0 {
			skipped++
		}
	}
	return records, skipped, nil
}

// dedupe keeps the last entry per (table, record), in cursor order.
// Translation reads current state, so earlier entries for the same row
// would only send the same record again.
func dedupe(entries []store.ChangelogEntry) []store.ChangelogEntry {
	type key struct{ table, id string }
	lastIdx := make(map[key]int, len(entries))
	for i, e := range entries {
		lastIdx[key{e.TableName, e.RecordID}] = i
	}
	out := make([]store.ChangelogEntry, 0, len(lastIdx))
	for i, e := range entries {
		if lastIdx[key{e.TableName, e.RecordID}] == i {
			out = append(out, e)
		}
	}
	return out
}
