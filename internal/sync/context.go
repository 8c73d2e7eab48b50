package sync

import (
	"context"
	stdsync "sync"

	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/translator"
)

// API is the part of the central server protocol a cycle needs.
// *syncapi.Client implements it.
type API interface {
	QueuedRecords(ctx context.Context, limit int) (*syncapi.QueuedRecords, error)
	Acknowledge(ctx context.Context, syncIDs []string) error
	PushRecords(ctx context.Context, records []syncapi.Record, queueLength int) (*syncapi.PushResponse, error)
}

var _ API = (*syncapi.Client)(nil)

// Settings are the per-site values a cycle reads. They may be replaced
// while the daemon runs; a running cycle keeps the values it started with.
type Settings struct {
	SiteUUID string
	StoreID  string
	Role     translator.Role

	PullBatchSize int
	PushBatchSize int

	// Retry bounds retries of individual API calls inside a cycle.
	Retry syncapi.RetryPolicy
}

// DefaultSettings returns settings for a remote site.
func DefaultSettings() Settings {
	return Settings{
		Role:          translator.RoleRemote,
		PullBatchSize: 500,
		PushBatchSize: 500,
		Retry:         syncapi.DefaultRetryPolicy(),
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Role == "" {
		s.Role = d.Role
	}
	if s.PullBatchSize <= 0 {
		s.PullBatchSize = d.PullBatchSize
	}
	if s.PushBatchSize <= 0 {
		s.PushBatchSize = d.PushBatchSize
	}
	if s.Retry == (syncapi.RetryPolicy{}) {
		s.Retry = d.Retry
	}
	return s
}

// PushContext returns the values translators see when pushing.
func (s Settings) PushContext() translator.PushContext {
	return translator.PushContext{SiteUUID: s.SiteUUID, StoreID: s.StoreID, Role: s.Role}
}

// SyncContext holds everything a cycle works with. It is created once by
// New and passed by reference to the puller and pusher; nothing is kept
// in package state. Settings are read through Settings() so the daemon can
// swap them safely.
type SyncContext struct {
	DB       *store.DB
	API      API
	Registry *translator.Registry
	Locker   Locker
	Log      *logrus.Entry

	mu       stdsync.RWMutex
	settings Settings
}

// Settings returns a snapshot of the current settings.
func (c *SyncContext) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SetSettings replaces the settings used by cycles started afterwards.
func (c *SyncContext) SetSettings(s Settings) {
	c.mu.Lock()
	c.settings = s.withDefaults()
	c.mu.Unlock()
}
