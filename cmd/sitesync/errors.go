package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/ui"
)

var (
	errorsSince  string
	errorsFormat string
)

var errorsCmd = &cobra.Command{
	Use:     "errors",
	GroupID: "inspect",
	Short:   "List buffer records that failed to integrate",
	Long: `List inbound records whose integration failed. They stay in the sync
buffer and are retried on every pull, or with 'sitesync retry'.

--since accepts a timestamp (2024-03-01, RFC 3339) or a phrase such as
"2 days ago" or "yesterday".`,
	Run: func(cmd *cobra.Command, args []string) {
		since, err := parseSince(errorsSince, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		ctx := context.Background()
		cfg, _ := loadConfig()
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			fatalf("opening database: %v", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			fatalf("initializing schema: %v", err)
		}

		records, err := db.BufferErrors(ctx, since)
		if err != nil {
			db.Close()
			fatalf("%v", err)
		}
		if err := writeErrors(os.Stdout, errorsFormat, toErrorRows(records)); err != nil {
			db.Close()
			fatalf("%v", err)
		}
	},
}

type errorRow struct {
	Table      string    `json:"table" yaml:"table"`
	RecordID   string    `json:"record_id" yaml:"record_id"`
	Action     string    `json:"action" yaml:"action"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
	Error      string    `json:"error" yaml:"error"`
}

func toErrorRows(records []store.BufferRecord) []errorRow {
	rows := make([]errorRow, 0, len(records))
	for _, r := range records {
		row := errorRow{
			Table:      r.TableName,
			RecordID:   r.RecordID,
			Action:     string(r.Action),
			ReceivedAt: r.ReceivedTime,
		}
		if r.IntegrationError != nil {
			row.Error = *r.IntegrationError
		}
		rows = append(rows, row)
	}
	return rows
}

func writeErrors(w io.Writer, format string, rows []errorRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(rows) == 0 {
			_, err := fmt.Fprintf(w, "%s No integration errors\n", ui.RenderPass("✓"))
			return err
		}
		cells := make([][]string, len(rows))
		for i, r := range rows {
			msg := r.Error
			if n := strings.IndexByte(msg, '\n'); n >= 0 {
				msg = msg[:n]
			}
			cells[i] = []string{r.Table, r.RecordID, r.Action, r.ReceivedAt.Local().Format("2006-01-02 15:04:05"), ui.RenderFail(msg)}
		}
		_, err := io.WriteString(w, ui.Table([]string{"TABLE", "RECORD", "ACTION", "RECEIVED", "ERROR"}, cells))
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

// parseSince parses an absolute timestamp or a natural-language phrase
// relative to now. An empty string means no lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date or time", s)
	}
	return r.Time, nil
}

func init() {
	errorsCmd.Flags().StringVar(&errorsSince, "since", "", `only errors received after this time (e.g. "2 days ago")`)
	errorsCmd.Flags().StringVarP(&errorsFormat, "format", "f", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(errorsCmd)
}
