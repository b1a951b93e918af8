package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/app"
	"github.com/lucasew/imagecache/internal/errutil"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print cache sizes as JSON",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := cacheConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		cache, err := app.OpenCache[[]byte](cmd.Context(), cfg, imagecache.BytesCodec{})
		if err != nil {
			errutil.ReportError(err, "Failed to open cache")
			os.Exit(1)
		}
		stats := cache.Stats()
		_, err = cache.Close().Wait(cmd.Context())
		errutil.LogMsg(err, "Failed to close cache")

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			errutil.ReportError(err, "Failed to encode stats")
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(statCmd)
}
