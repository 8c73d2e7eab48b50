// Package config loads sitesync configuration.
//
// Configuration is read with viper from a TOML file (sitesync.toml in the
// working directory or $HOME/.config/sitesync unless a path is given) and
// overridden by SITESYNC_* environment variables, e.g.
// SITESYNC_SITE_PASSWORD or SITESYNC_SYNC_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileName is the base name of the config file searched for by default.
const FileName = "sitesync.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "SITESYNC"

// Config is the full sitesync configuration.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	Server   ServerConfig   `mapstructure:"server"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Lock     LockConfig     `mapstructure:"lock"`
	Docs     DocsConfig     `mapstructure:"docs"`
	Stub     StubConfig     `mapstructure:"stub"`
}

// SiteConfig identifies this site to the central server.
type SiteConfig struct {
	Name     string `mapstructure:"name"`
	Password string `mapstructure:"password"`
	// PasswordHash may replace Password so the plain password is never
	// stored on disk.
	PasswordHash string `mapstructure:"password_hash"`
	UUID         string `mapstructure:"uuid"`
	StoreID      string `mapstructure:"store_id"`
	// Role is "remote" or "central".
	Role string `mapstructure:"role"`
}

type ServerConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	AppName         string        `mapstructure:"app_name"`
	AppVersion      string        `mapstructure:"app_version"`
	ProtocolVersion int           `mapstructure:"protocol_version"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	PullBatchSize int           `mapstructure:"pull_batch_size"`
	PushBatchSize int           `mapstructure:"push_batch_size"`
	// RetryElapsed bounds the in-cycle retries of one request.
	RetryElapsed time.Duration `mapstructure:"retry_elapsed"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures the process logger. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LockConfig selects the cycle lock. Without RedisAddr cycles are only
// serialised within one process.
type LockConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type DocsConfig struct {
	// Merger is "latest" or "replay".
	Merger  string `mapstructure:"merger"`
	Archive string `mapstructure:"archive"`
}

type StubConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Site: SiteConfig{Role: "remote"},
		Server: ServerConfig{
			Timeout:         60 * time.Second,
			AppName:         "sitesync",
			AppVersion:      "1.0.0",
			ProtocolVersion: 5,
		},
		Sync: SyncConfig{
			Interval:      time.Minute,
			MaxBackoff:    10 * time.Minute,
			PullBatchSize: 500,
			PushBatchSize: 500,
			RetryElapsed:  2 * time.Minute,
		},
		Database: DatabaseConfig{Path: "sitesync.db"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Lock: LockConfig{TTL: time.Minute},
		Docs: DocsConfig{Merger: "latest", Archive: "archive"},
		Stub: StubConfig{Addr: "127.0.0.1:8080"},
	}
}

// values flattens c into dotted viper keys.
func (c Config) values() map[string]any {
	return map[string]any{
		"site.name":               c.Site.Name,
		"site.password":           c.Site.Password,
		"site.password_hash":      c.Site.PasswordHash,
		"site.uuid":               c.Site.UUID,
		"site.store_id":           c.Site.StoreID,
		"site.role":               c.Site.Role,
		"server.url":              c.Server.URL,
		"server.timeout":          c.Server.Timeout,
		"server.app_name":         c.Server.AppName,
		"server.app_version":      c.Server.AppVersion,
		"server.protocol_version": c.Server.ProtocolVersion,
		"sync.interval":           c.Sync.Interval,
		"sync.max_backoff":        c.Sync.MaxBackoff,
		"sync.pull_batch_size":    c.Sync.PullBatchSize,
		"sync.push_batch_size":    c.Sync.PushBatchSize,
		"sync.retry_elapsed":      c.Sync.RetryElapsed,
		"database.path":           c.Database.Path,
		"log.level":               c.Log.Level,
		"log.format":              c.Log.Format,
		"log.file":                c.Log.File,
		"log.max_size_mb":         c.Log.MaxSizeMB,
		"log.max_backups":         c.Log.MaxBackups,
		"log.max_age_days":        c.Log.MaxAgeDays,
		"lock.redis_addr":         c.Lock.RedisAddr,
		"lock.redis_password":     c.Lock.RedisPassword,
		"lock.ttl":                c.Lock.TTL,
		"docs.merger":             c.Docs.Merger,
		"docs.archive":            c.Docs.Archive,
		"stub.addr":               c.Stub.Addr,
	}
}

// newViper returns a viper instance with defaults, search paths and env
// bindings set. Every key has a default, so env overrides work for all of
// them.
func newViper(path string) *viper.Viper {
	v := viper.New()
	for k, val := range Default().values() {
		v.SetDefault(k, val)
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "sitesync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An explicit path must exist; without one a
// missing file is fine and defaults plus environment apply. The returned
// string is the file actually used, empty when none was found.
func Load(path string) (*Config, string, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// Validate checks the configuration for values sync cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Site.Name == "" {
		errs = append(errs, errors.New("site.name is required"))
	}
	if c.Site.Role != "remote" && c.Site.Role != "central" {
		errs = append(errs, fmt.Errorf("site.role must be remote or central, got %q", c.Site.Role))
	}
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("server.url must be an http(s) URL, got %q", c.Server.URL))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.PullBatchSize <= 0 || c.Sync.PushBatchSize <= 0 {
		errs = append(errs, errors.New("sync batch sizes must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Docs.Merger != "latest" && c.Docs.Merger != "replay" {
		errs = append(errs, fmt.Errorf("docs.merger must be latest or replay, got %q", c.Docs.Merger))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Encode writes c as TOML. Durations are written as strings such as "1m0s".
func (c Config) Encode(w io.Writer) error {
	tables := map[string]map[string]any{}
	for key, val := range c.values() {
		section, name, _ := strings.Cut(key, ".")
		if tables[section] == nil {
			tables[section] = map[string]any{}
		}
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		tables[section][name] = val
	}
	return toml.NewEncoder(w).Encode(tables)
}

// WriteDefault writes a default config to path with the given site and
// server filled in. It refuses to overwrite an existing file.
func WriteDefault(path, siteName, serverURL string) error {
	cfg := Default()
	cfg.Site.Name = siteName
	cfg.Server.URL = serverURL

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := cfg.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
