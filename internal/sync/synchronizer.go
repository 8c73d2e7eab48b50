package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/translator"
)

// Config holds configuration for a Synchronizer.
type Config struct {
	Settings Settings

	// Translators overrides the default translator set.
	Translators []translator.Translator

	// Merger resolves diverged document heads when Translators is nil.
	Merger history.Merger

	// Locker defaults to a LocalLocker.
	Locker Locker

	Logger *logrus.Logger
}

// Synchronizer runs pull and push cycles for one site.
type Synchronizer struct {
	sc     *SyncContext
	puller *Puller
	pusher *Pusher
}

// CycleReport is the outcome of RunCycle.
type CycleReport struct {
	Pull *PullReport
	Push *PushReport
}

// Status describes the sync state of the replica.
type Status struct {
	PushCursor   int64
	LatestCursor int64
	// Backlog is the number of local changelog entries not yet pushed.
	Backlog      int64
	Buffer       store.BufferStats
	LastPullTime *time.Time
	LastPushTime *time.Time
	LastError    string
	PullOrder    []string
}

// New validates the translator set and builds a Synchronizer. A translator
// dependency cycle is reported here, before any pull can run.
func New(db *store.DB, api API, cfg Config) (*Synchronizer, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if api == nil {
		return nil, errors.New("api cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	translators := cfg.Translators
	if translators == nil {
		translators = translator.All(translator.Options{Merger: cfg.Merger})
	}

	registry, err := translator.NewRegistry(translators...)
	if err != nil {
		return nil, fmt.Errorf("invalid translator set: %w", err)
	}

	sc := &SyncContext{
		DB:       db,
		API:      api,
		Registry: registry,
		Locker:   cfg.Locker,
		Log:      cfg.Logger.WithField("component", "sync"),
	}
	sc.SetSettings(cfg.Settings)

	return &Synchronizer{
		sc:     sc,
		puller: NewPuller(sc),
		pusher: NewPusher(sc),
	}, nil
}

// Context returns the shared sync context.
func (s *Synchronizer) Context() *SyncContext {
	return s.sc
}

func (s *Synchronizer) lockKey(direction string) string {
	site := s.sc.Settings().SiteUUID
	if site == "" {
		site = "default"
	}
	return direction + ":" + site
}

// withLock runs fn holding the single-flight lock of a direction.
func (s *Synchronizer) withLock(ctx context.Context, direction string, fn func() error) error {
	unlock, err := s.sc.Locker.TryLock(ctx, s.lockKey(direction))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Pull runs one pull: receive then integrate.
func (s *Synchronizer) Pull(ctx context.Context) (*PullReport, error) {
	var report *PullReport
	err := s.withLock(ctx, "pull", func() error {
		var err error
		report, err = s.puller.Pull(ctx)
		s.recordOutcome(ctx, store.KeyLastPullTime, err)
		return err
	})
	return report, err
}

// RetryFailed re-runs integration of buffered records without contacting
// the central server. Its outcome counts as a pull.
func (s *Synchronizer) RetryFailed(ctx context.Context) (*PullReport, error) {
	var report *PullReport
	err := s.withLock(ctx, "pull", func() error {
		var err error
		report, err = s.puller.Integrate(ctx)
		s.recordOutcome(ctx, store.KeyLastPullTime, err)
		return err
	})
	return report, err
}

// Push runs one push.
func (s *Synchronizer) Push(ctx context.Context) (*PushReport, error) {
	var report *PushReport
	err := s.withLock(ctx, "push", func() error {
		var err error
		report, err = s.pusher.Push(ctx)
		s.recordOutcome(ctx, store.KeyLastPushTime, err)
		return err
	})
	return report, err
}

// RunCycle pulls then pushes, so merge revisions created while integrating
// go out in the same cycle. A failed pull skips the push.
func (s *Synchronizer) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}

	pull, err := s.Pull(ctx)
	report.Pull = pull
	if err != nil {
		return report, fmt.Errorf("pull failed: %w", err)
	}

	push, err := s.Push(ctx)
	report.Push = push
	if err != nil {
		return report, fmt.Errorf("push failed: %w", err)
	}
	return report, nil
}

// recordOutcome stores the completion time of a successful run, or the
// error of a failed one.
func (s *Synchronizer) recordOutcome(ctx context.Context, timeKey string, runErr error) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if runErr != nil {
		err = s.sc.DB.SetString(ctx, store.KeyLastError, runErr.Error())
	} else {
		err = s.sc.DB.SetTime(ctx, timeKey, time.Now())
		if err == nil {
			err = s.sc.DB.SetString(ctx, store.KeyLastError, "")
		}
	}
	if err != nil {
		s.sc.Log.WithError(err).Warn("failed to record sync status")
	}
}

// Status reads the sync state from the replica.
func (s *Synchronizer) Status(ctx context.Context) (*Status, error) {
	return ReadStatus(ctx, s.sc.DB, s.sc.Registry)
}

// ReadStatus reads the sync state of a replica. registry may be nil.
func ReadStatus(ctx context.Context, db *store.DB, registry *translator.Registry) (*Status, error) {
	var st Status
	var err error

	if st.PushCursor, err = db.PushCursor(ctx); err != nil {
		return nil, err
	}
	if st.LatestCursor, err = db.LatestCursor(ctx, true); err != nil {
		return nil, err
	}
	if st.Backlog, err = db.CountChangelogAfter(ctx, st.PushCursor); err != nil {
		return nil, err
	}
	if st.Buffer, err = db.BufferCounts(ctx); err != nil {
		return nil, err
	}
	if st.LastPullTime, err = db.GetTime(ctx, store.KeyLastPullTime); err != nil {
		return nil, err
	}
	if st.LastPushTime, err = db.GetTime(ctx, store.KeyLastPushTime); err != nil {
		return nil, err
	}
	if st.LastError, err = db.GetString(ctx, store.KeyLastError); err != nil {
		return nil, err
	}
	if registry != nil {
		st.PullOrder = registry.PullOrder()
	}
	return &st, nil
}
