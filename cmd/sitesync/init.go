package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/ui"
)

var (
	initSite   string
	initServer string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			path = config.FileName
		}
		if err := config.WriteDefault(path, initSite, initServer); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set site.password (or %s_SITE_PASSWORD) before syncing\n", config.EnvPrefix)
	},
}

func init() {
	initCmd.Flags().StringVar(&initSite, "site", "", "site name")
	initCmd.Flags().StringVar(&initServer, "server", "http://127.0.0.1:8080", "central server URL")
	rootCmd.AddCommand(initCmd)
}
