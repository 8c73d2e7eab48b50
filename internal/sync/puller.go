package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/translator"
)

// PullReport summarises one pull.
type PullReport struct {
	// Received is the number of records fetched and acknowledged.
	Received int
	// Integrated counts records applied (upserts and deletes).
	Integrated int
	// Ignored counts records a translator chose not to apply.
	Ignored int
	// Failed counts records left pending with an integration error.
	Failed int
	// ByTable counts integrated records per table.
	ByTable map[string]int
}

// Puller receives and integrates inbound records.
type Puller struct {
	sc *SyncContext
}

// NewPuller returns a puller working on sc.
func NewPuller(sc *SyncContext) *Puller {
	return &Puller{sc: sc}
}

// Pull receives every queued record into the sync buffer and then
// integrates all pending buffer rows.
func (p *Puller) Pull(ctx context.Context) (*PullReport, error) {
	received, err := p.Receive(ctx)
	if err != nil {
		return &PullReport{Received: received, ByTable: map[string]int{}}, err
	}
	report, err := p.Integrate(ctx)
	report.Received = received
	return report, err
}

// Receive fetches pages of queued records until the central queue is
// drained. Each page is buffered in one transaction and only then
// acknowledged, so a failure in between re-delivers the same page, which
// buffers idempotently.
func (p *Puller) Receive(ctx context.Context) (int, error) {
	settings := p.sc.Settings()
	log := p.sc.Log.WithField("phase", "receive")

	received := 0
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		var page *syncapi.QueuedRecords
		err := syncapi.Retry(ctx, settings.Retry, func() error {
			var err error
			page, err = p.sc.API.QueuedRecords(ctx, settings.PullBatchSize)
			return err
		})
		if err != nil {
			return received, fmt.Errorf("failed to fetch queued records: %w", err)
		}
		if len(page.Data) == 0 {
			return received, nil
		}

		records := make([]store.BufferRecord, 0, len(page.Data))
		syncIDs := make([]string, 0, len(page.Data))
		for _, r := range page.Data {
			records = append(records, toBufferRecord(r))
			syncIDs = append(syncIDs, r.SyncOutID)
		}

		if err := p.sc.DB.UpsertBufferRecords(ctx, records); err != nil {
			return received, fmt.Errorf("failed to buffer records: %w", err)
		}

		err = syncapi.Retry(ctx, settings.Retry, func() error {
			return p.sc.API.Acknowledge(ctx, syncIDs)
		})
		if err != nil {
			return received, fmt.Errorf("failed to acknowledge records: %w", err)
		}

		received += len(page.Data)
		log.WithFields(logrus.Fields{
			"batch":     len(page.Data),
			"remaining": page.QueueLength - len(page.Data),
		}).Debug("received page")

		if page.QueueLength <= len(page.Data) {
			return received, nil
		}
	}
}

// toBufferRecord stages a wire record. MERGE records get a fresh record id
// so they never share a buffer key with a later upsert of the merged-away
// id. An unknown action is kept as is; integration then fails it with an
// error the operator can see.
func toBufferRecord(r syncapi.Record) store.BufferRecord {
	action, err := translator.ActionFromLegacy(r.Action)
	if err != nil {
		action = store.SyncAction(strings.ToLower(string(r.Action)))
	}
	recordID := r.RecordID
	if action == store.SyncMerge {
		recordID = uuid.NewString()
	}
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return store.BufferRecord{
		TableName: r.TableName,
		RecordID:  recordID,
		Action:    action,
		Data:      data,
	}
}

// Integrate applies every pending buffer row, including ones that failed
// before. Tables are processed in pull order; within a table, records keep
// their arrival order except that merges run after all other records.
//
// Integrate only returns an error when it cannot continue at all (ctx
// cancelled, buffer unreadable). Per-record failures are stored on the
// buffer row and counted in the report.
func (p *Puller) Integrate(ctx context.Context) (*PullReport, error) {
	report := &PullReport{ByTable: map[string]int{}}
	log := p.sc.Log.WithField("phase", "integrate")

	pending, err := p.sc.DB.PendingBufferRecords(ctx)
	if err != nil {
		return report, err
	}
	if len(pending) == 0 {
		return report, nil
	}

	groups := make(map[string][]store.BufferRecord)
	for _, r := range pending {
		groups[r.TableName] = append(groups[r.TableName], r)
	}

	for _, t := range p.sc.Registry.Translators() {
		records := mergesLast(groups[t.TableName()])
		delete(groups, t.TableName())

		for i := range records {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			p.integrateOne(ctx, t, &records[i], report)
		}
	}

	// Tables nobody translates still get an error, never a silent drop.
	unknown := make([]string, 0, len(groups))
	for table := range groups {
		unknown = append(unknown, table)
	}
	sort.Strings(unknown)
	for _, table := range unknown {
		for _, r := range groups[table] {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			msg := fmt.Sprintf("no translator for table %s", table)
			if err := p.sc.DB.SetIntegrationError(ctx, r.TableName, r.RecordID, msg); err != nil {
				return report, err
			}
			report.Failed++
		}
		log.WithFields(logrus.Fields{"table": table, "records": len(groups[table])}).Warn("no translator for table")
	}

	log.WithFields(logrus.Fields{
		"integrated": report.Integrated,
		"ignored":    report.Ignored,
		"failed":     report.Failed,
	}).Info("integration finished")
	return report, nil
}

// integrateOne applies one record in its own transaction and marks it
// integrated in the same transaction. On failure everything rolls back and
// the error is stored on the buffer row.
func (p *Puller) integrateOne(ctx context.Context, t translator.Translator, rec *store.BufferRecord, report *PullReport) {
	log := p.sc.Log.WithFields(logrus.Fields{
		"table":     rec.TableName,
		"record_id": rec.RecordID,
		"action":    rec.Action,
	})

	var result translator.PullResult
	err := p.sc.DB.WithTx(ctx, true, func(tx *store.Tx) error {
		var err error
		result, err = translator.TranslateFrom(ctx, t, tx, rec)
		if err != nil {
			return fmt.Errorf("translation failed: %w", err)
		}
		for _, op := range result.Operations {
			if err := op.Apply(ctx, tx); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return tx.MarkIntegrated(ctx, rec.TableName, rec.RecordID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("integration failed")
		if serr := p.sc.DB.SetIntegrationError(ctx, rec.TableName, rec.RecordID, err.Error()); serr != nil {
			log.WithError(serr).Error("failed to record integration error")
		}
		report.Failed++
		return
	}

	switch result.Kind {
	case translator.PullIgnored:
		log.WithField("reason", result.Reason).Debug("record ignored")
		report.Ignored++
	default:
		report.Integrated++
		report.ByTable[rec.TableName]++
	}
}

// mergesLast moves merge records behind the other records of a table,
// keeping relative order otherwise.
func mergesLast(records []store.BufferRecord) []store.BufferRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Action != store.SyncMerge && records[j].Action == store.SyncMerge
	})
	return records
}
