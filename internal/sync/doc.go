// Package sync runs the pull and push cycles of a site replica.
//
// Overview
//
// A cycle moves records between the local replica and the central server:
//
//	central queue ──Receive──▶ sync_buffer ──Integrate──▶ domain tables
//	                                                          │
//	central ◀──────────────── Push ◀──── changelog (local) ◀──┘
//
// The Puller receives pages of queued records into the sync buffer and
// acknowledges them, then integrates pending buffer rows table by table in
// the registry's dependency order. Each record is integrated in its own
// transaction, so one bad record never blocks the rest of a page; its
// error is stored on the buffer row and it is retried on the next cycle.
//
// The Pusher reads locally originated changelog entries after the push
// cursor, translates them into wire records and advances the cursor only
// once the central server accepted the batch.
//
// Concurrency
//
// A Locker provides single-flight per direction per site. LocalLocker
// covers one process; RedisLocker covers several processes sharing a
// replica. A cycle is cancelled between records, never in the middle of one.
//
// Usage
//
//	s, err := sync.New(db, client, sync.Config{Settings: settings})
//	if err != nil {
//	    return err // includes translator dependency cycles
//	}
//	report, err := s.RunCycle(ctx)
package sync
