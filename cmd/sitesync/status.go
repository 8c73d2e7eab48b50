package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/ui"
)

var statusRemote bool

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show sync status of the local replica",
	Long: `Show the push cursor and backlog, sync buffer counts, the last pull
and push times, and the last error.

With --remote the central server is asked which site the configured
credentials belong to.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustLoadApp(ctx)
		defer a.Close()

		st, err := a.sync.Status(ctx)
		if err != nil {
			a.Close()
			fatalf("reading status: %v", err)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Site: %s (%s)\n", a.cfg.Site.Name, a.siteID)
		fmt.Printf("Server: %s\n", a.cfg.Server.URL)
		fmt.Printf("Database: %s\n", a.cfg.Database.Path)
		fmt.Println()
		fmt.Printf("Push cursor: %d of %d\n", st.PushCursor, st.LatestCursor)
		if st.Backlog > 0 {
			fmt.Printf("Backlog: %s\n", ui.RenderWarn(fmt.Sprintf("%d changes not pushed", st.Backlog)))
		} else {
			fmt.Printf("Backlog: %s\n", ui.RenderPass("none"))
		}
		fmt.Printf("Buffer: %d integrated, %d pending", st.Buffer.Integrated, st.Buffer.Pending)
		if st.Buffer.Failed > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d failed", st.Buffer.Failed)))
		}
		fmt.Println()
		fmt.Printf("Last pull: %s\n", formatWhen(st.LastPullTime))
		fmt.Printf("Last push: %s\n", formatWhen(st.LastPushTime))
		if st.LastError != "" {
			fmt.Printf("Last error: %s\n", ui.RenderFail(st.LastError))
		}
		if verbose {
			fmt.Printf("Pull order: %s\n", strings.Join(st.PullOrder, " → "))
		}

		if statusRemote {
			info, err := a.client.SiteInfo(ctx)
			if err != nil {
				a.Close()
				fatalf("asking central server: %v", describe(err))
			}
			fmt.Println()
			fmt.Printf("%s Central server knows this site as %s (code %s, site id %d)\n",
				ui.RenderPass("✓"), info.Name, info.Code, info.SiteID)
		}
		fmt.Println()
	},
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	ago := time.Since(*t).Round(time.Second)
	return fmt.Sprintf("%s (%v ago)", t.Local().Format("2006-01-02 15:04:05"), ago)
}

func init() {
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "also query the central server")
	rootCmd.AddCommand(statusCmd)
}
