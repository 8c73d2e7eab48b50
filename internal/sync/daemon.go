package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sitesync/sitesync/internal/syncapi"
)

// DaemonConfig holds configuration for the daemon.
type DaemonConfig struct {
	// Interval between the end of one cycle and the start of the next.
	Interval time.Duration

	// MaxBackoff bounds the delay after consecutive retryable failures.
	MaxBackoff time.Duration

	Logger *logrus.Logger
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:   time.Minute,
		MaxBackoff: 10 * time.Minute,
		Logger:     logrus.New(),
	}
}

// Update replaces daemon scheduling and site settings while it runs.
type Update struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Settings   Settings
}

// Daemon runs sync cycles on a schedule until its context is cancelled.
type Daemon struct {
	sync *Synchronizer
	log  *logrus.Entry

	mu  stdsync.Mutex
	cfg DaemonConfig

	wake chan struct{}

	// cycles counts completed cycle attempts.
	cycles int
}

// NewDaemon creates a daemon driving s.
func NewDaemon(s *Synchronizer, cfg DaemonConfig) *Daemon {
	d := DefaultDaemonConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	return &Daemon{
		sync: s,
		log:  cfg.Logger.WithField("component", "daemon"),
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Run blocks running cycles until ctx is cancelled. The first cycle starts
// immediately. Updates received on updates (which may be nil) apply from
// the next cycle on.
//
// After a failure worth retrying (connection errors, transient remote
// errors) the next cycle is delayed by an exponential backoff bounded by
// MaxBackoff instead of the interval. Other failures are logged and the
// regular schedule continues.
func (d *Daemon) Run(ctx context.Context, updates <-chan Update) error {
	d.log.Info("starting daemon")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.schedule(ctx) })
	if updates != nil {
		g.Go(func() error { return d.applyUpdates(ctx, updates) })
	}

	err := g.Wait()
	d.log.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cycles returns how many cycles have been attempted.
func (d *Daemon) Cycles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

func (d *Daemon) config() DaemonConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Daemon) newBackOff() *backoff.ExponentialBackOff {
	cfg := d.config()
	initial := cfg.Interval / 4
	if initial <= 0 {
		initial = time.Second
	}
	return syncapi.RetryPolicy{
		InitialInterval: initial,
		MaxInterval:     cfg.MaxBackoff,
	}.NewBackOff()
}

func (d *Daemon) schedule(ctx context.Context) error {
	b := d.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			// Settings changed; start over with the new interval.
			b = d.newBackOff()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.config().Interval)
			continue
		case <-timer.C:
		}

		delay := d.runCycle(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer.Reset(delay)
	}
}

// runCycle runs one cycle and returns the delay before the next one.
func (d *Daemon) runCycle(ctx context.Context, b *backoff.ExponentialBackOff) time.Duration {
	interval := d.config().Interval
	start := time.Now()
	report, err := d.sync.RunCycle(ctx)

	d.mu.Lock()
	d.cycles++
	d.mu.Unlock()

	switch {
	case err == nil:
		b.Reset()
		fields := logrus.Fields{"duration": time.Since(start)}
		if report.Pull != nil {
			fields["received"] = report.Pull.Received
			fields["integrated"] = report.Pull.Integrated
			fields["failed"] = report.Pull.Failed
		}
		if report.Push != nil {
			fields["pushed"] = report.Push.Records
		}
		d.log.WithFields(fields).Info("sync cycle complete")
		return interval

	case ctx.Err() != nil:
		return 0

	case errors.Is(err, ErrCycleInProgress):
		d.log.WithError(err).Info("skipping cycle")
		return interval

	case syncapi.IsRetryable(err):
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = d.config().MaxBackoff
		}
		d.log.WithError(err).WithField("retry_in", delay).Warn("sync cycle failed")
		return delay

	case syncapi.RequiresOperator(err):
		d.log.WithError(err).WithField("class", syncapi.Classify(err)).Error("sync cycle failed; operator action required")
		return interval

	default:
		d.log.WithError(err).Error("sync cycle failed")
		return interval
	}
}

func (d *Daemon) applyUpdates(ctx context.Context, updates <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			d.mu.Lock()
			if u.Interval > 0 {
				d.cfg.Interval = u.Interval
			}
			if u.MaxBackoff > 0 {
				d.cfg.MaxBackoff = u.MaxBackoff
			}
			interval := d.cfg.Interval
			d.mu.Unlock()

			d.sync.Context().SetSettings(u.Settings)
			d.log.WithField("interval", interval).Info("configuration reloaded")

			select {
			case d.wake <- struct{}{}:
			default:
			}
		}
	}
}
