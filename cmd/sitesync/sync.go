package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sitesync/sitesync/internal/config"
	sitesync "github.com/sitesync/sitesync/internal/sync"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/ui"
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Receive and integrate queued records",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		start := time.Now()
		report, err := a.sync.Pull(ctx)
		if report != nil {
			printPullReport(report)
		}
		if err != nil {
			a.Close()
			fatalf("pull failed: %v", describe(err))
		}
		fmt.Printf("%s Pull complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Send local changes to the central server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		start := time.Now()
		report, err := a.sync.Push(ctx)
		if report != nil {
			printPushReport(report)
		}
		if err != nil {
			a.Close()
			fatalf("push failed: %v", describe(err))
		}
		fmt.Printf("%s Push complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full cycle: pull, then push",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.cfg.Server.URL)
		start := time.Now()
		report, err := a.sync.RunCycle(ctx)
		if report != nil && report.Pull != nil {
			printPullReport(report.Pull)
		}
		if report != nil && report.Push != nil {
			printPushReport(report.Push)
		}
		if err != nil {
			a.Close()
			fatalf("%v", describe(err))
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry",
	GroupID: "sync",
	Short:   "Re-run integration of pending and failed buffer records",
	Long: `Re-run integration of every buffer record that is not yet integrated,
without contacting the central server. Use it after fixing the cause of
integration errors listed by 'sitesync errors'.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		report, err := a.sync.RetryFailed(ctx)
		if report != nil {
			printPullReport(report)
		}
		if err != nil {
			a.Close()
			fatalf("retry failed: %v", err)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync cycles on a schedule (foreground)",
	Long: `Run sync cycles every sync.interval until interrupted.

Retryable failures (connection errors, 5xx responses) delay the next cycle
with an exponential backoff bounded by sync.max_backoff. Changes to the
config file are picked up without a restart: interval, backoff and batch
sizes apply from the next cycle.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		d := sitesync.NewDaemon(a.sync, sitesync.DaemonConfig{
			Interval:   a.cfg.Sync.Interval,
			MaxBackoff: a.cfg.Sync.MaxBackoff,
			Logger:     a.log,
		})

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Server: %s\n", a.cfg.Server.URL)
		fmt.Printf("   Database: %s\n", a.cfg.Database.Path)
		fmt.Printf("   Interval: %v\n", a.cfg.Sync.Interval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		updates := make(chan sitesync.Update)
		g, gctx := errgroup.WithContext(ctx)
		if a.cfgFile != "" {
			g.Go(func() error {
				defer close(updates)
				w := config.NewWatcher(a.cfgFile, a.log)
				err := w.Run(gctx, func(cfg *config.Config) {
					select {
					case updates <- updateFrom(cfg, a.siteID):
					case <-gctx.Done():
					}
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
		g.Go(func() error { return d.Run(gctx, updates) })

		if err := g.Wait(); err != nil {
			a.Close()
			fatalf("daemon stopped: %v", err)
		}
	},
}

func updateFrom(cfg *config.Config, siteID string) sitesync.Update {
	if cfg.Site.UUID != "" {
		siteID = cfg.Site.UUID
	}
	return sitesync.Update{
		Interval:   cfg.Sync.Interval,
		MaxBackoff: cfg.Sync.MaxBackoff,
		Settings:   settingsFrom(cfg, siteID),
	}
}

// describe adds operator guidance to errors that need it.
func describe(err error) string {
	switch {
	case syncapi.RequiresOperator(err):
		return fmt.Sprintf("%v\n   Check site.name, the site password and site.uuid", err)
	case syncapi.Classify(err) == syncapi.ClassConnection:
		return fmt.Sprintf("%v\n   The central server could not be reached; nothing was changed", err)
	case errors.Is(err, sitesync.ErrCycleInProgress):
		return fmt.Sprintf("%v\n   Another sitesync process is syncing this site", err)
	}
	return err.Error()
}

func printPullReport(r *sitesync.PullReport) {
	fmt.Printf("   Received: %d\n", r.Received)
	fmt.Printf("   Integrated: %d\n", r.Integrated)
	if r.Ignored > 0 {
		fmt.Printf("   Ignored: %d\n", r.Ignored)
	}
	if r.Failed > 0 {
		fmt.Printf("   %s %d records failed to integrate (see 'sitesync errors')\n", ui.RenderWarn("⚠"), r.Failed)
	}
	tables := make([]string, 0, len(r.ByTable))
	for t := range r.ByTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Printf("     %s %d\n", ui.RenderMuted(t+":"), r.ByTable[t])
	}
}

func printPushReport(r *sitesync.PushReport) {
	fmt.Printf("   Pushed: %d records from %d changes\n", r.Records, r.Entries)
	fmt.Printf("   Cursor: %d\n", r.Cursor)
}

func init() {
	rootCmd.AddCommand(pullCmd, pushCmd, syncCmd, retryCmd, daemonCmd)
}
