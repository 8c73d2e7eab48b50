package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/centralstub"
	"github.com/sitesync/sitesync/internal/syncapi"
	"github.com/sitesync/sitesync/internal/ui"
)

var (
	stubAddr string
	stubSeed string
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run an in-memory central server for local testing",
	Long: `Run a stub of the central server's sync API. It accepts the site
credentials from the config file, serves queued records from --seed (a JSON
array of wire records) and keeps pushed records in memory.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		cfg, _ := loadConfig()
		log, logCloser := newLogger(cfg)
		defer logCloser.Close()

		hash := cfg.Site.PasswordHash
		if hash == "" {
			hash = syncapi.HashPassword(cfg.Site.Password)
		}
		srv := centralstub.New(centralstub.Config{
			SiteName:     cfg.Site.Name,
			PasswordHash: hash,
			SiteUUID:     cfg.Site.UUID,
			Logger:       log,
		})

		if stubSeed != "" {
			records, err := readSeed(stubSeed)
			if err != nil {
				fatalf("%v", err)
			}
			srv.Enqueue(records...)
			fmt.Printf("   Queued %d records from %s\n", len(records), stubSeed)
		}

		addr := stubAddr
		if addr == "" {
			addr = cfg.Stub.Addr
		}
		fmt.Printf("%s Central stub for site %q on http://%s\n", ui.RenderAccent("🚀"), cfg.Site.Name, addr)
		if err := srv.Run(ctx, addr); err != nil {
			fatalf("%v", err)
		}
	},
}

func readSeed(path string) ([]syncapi.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []syncapi.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return records, nil
}

func init() {
	stubCmd.Flags().StringVar(&stubAddr, "addr", "", "listen address (default stub.addr)")
	stubCmd.Flags().StringVar(&stubSeed, "seed", "", "JSON file of records to queue")
	rootCmd.AddCommand(stubCmd)
}
