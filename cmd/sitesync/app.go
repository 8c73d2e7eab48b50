package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/logging"
	"github.com/sitesync/sitesync/internal/store"
	sitesync "github.com/sitesync/sitesync/internal/sync"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/translator"
)

// app bundles what a command needs. Commands build it with mustLoadApp and
// Close it when done.
type app struct {
	cfg     *config.Config
	cfgFile string
	siteID  string
	log     *logrus.Logger

	db     *store.DB
	client *syncapi.Client
	sync   *sitesync.Synchronizer

	closers []io.Closer
}

func loadConfig() (*config.Config, string) {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg, used
}

func newLogger(cfg *config.Config) (*logrus.Logger, io.Closer) {
	lc := logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if verbose {
		lc.Level = "debug"
	}
	log, closer, err := logging.New(lc)
	if err != nil {
		fatalf("%v", err)
	}
	return log, closer
}

// mustLoadApp loads config, opens the replica and builds the synchronizer.
func mustLoadApp(ctx context.Context) *app {
	cfg, used := loadConfig()
	log, logCloser := newLogger(cfg)
	a := &app{cfg: cfg, cfgFile: used, log: log, closers: []io.Closer{logCloser}}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	a.db = db
	a.closers = append(a.closers, db)
	if err := db.InitSchema(ctx); err != nil {
		a.Close()
		fatalf("initializing schema: %v", err)
	}

	siteUUID, err := a.siteUUID(ctx)
	if err != nil {
		a.Close()
		fatalf("%v", err)
	}
	a.siteID = siteUUID

	a.client, err = syncapi.New(syncapi.Config{
		BaseURL:         cfg.Server.URL,
		SiteName:        cfg.Site.Name,
		Password:        cfg.Site.Password,
		PasswordHash:    cfg.Site.PasswordHash,
		SiteUUID:        siteUUID,
		AppName:         cfg.Server.AppName,
		AppVersion:      cfg.Server.AppVersion,
		ProtocolVersion: cfg.Server.ProtocolVersion,
		Timeout:         cfg.Server.Timeout,
		Logger:          log,
	})
	if err != nil {
		a.Close()
		fatalf("creating sync client: %v", err)
	}

	locker := sitesync.Locker(sitesync.NewLocalLocker())
	if cfg.Lock.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr, Password: cfg.Lock.RedisPassword})
		a.closers = append(a.closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			fatalf("connecting to redis at %s: %v", cfg.Lock.RedisAddr, err)
		}
		locker = sitesync.NewRedisLocker(rdb, "", cfg.Lock.TTL)
	}

	a.sync, err = sitesync.New(db, a.client, sitesync.Config{
		Settings: settingsFrom(cfg, siteUUID),
		Merger:   mergerFrom(cfg),
		Locker:   locker,
		Logger:   log,
	})
	if err != nil {
		a.Close()
		fatalf("%v", err)
	}
	return a
}

// siteUUID returns the configured site uuid, or the one generated for this
// replica on first use.
func (a *app) siteUUID(ctx context.Context) (string, error) {
	if a.cfg.Site.UUID != "" {
		return a.cfg.Site.UUID, nil
	}
	id, err := a.db.GetString(ctx, store.KeySiteID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := a.db.SetString(ctx, store.KeySiteID, id); err != nil {
		return "", fmt.Errorf("failed to store site uuid: %w", err)
	}
	a.log.WithField("site_uuid", id).Info("generated site uuid")
	return id, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func settingsFrom(cfg *config.Config, siteUUID string) sitesync.Settings {
	s := sitesync.DefaultSettings()
	s.SiteUUID = siteUUID
	s.StoreID = cfg.Site.StoreID
	s.Role = translator.Role(cfg.Site.Role)
	s.PullBatchSize = cfg.Sync.PullBatchSize
	s.PushBatchSize = cfg.Sync.PushBatchSize
	if cfg.Sync.RetryElapsed > 0 {
		s.Retry.MaxElapsed = cfg.Sync.RetryElapsed
	}
	return s
}

func mergerFrom(cfg *config.Config) history.Merger {
	if cfg.Docs.Merger == "replay" {
		return history.ReplayMerger{}
	}
	return history.LatestWins{}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
