package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/app"
	"github.com/lucasew/imagecache/internal/errutil"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every entry of the disk cache",
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
		before := cache.Stats().Disk

		_, clearErr := cache.Clear().Wait(cmd.Context())
		_, closeErr := cache.Close().Wait(cmd.Context())
		errutil.LogMsg(closeErr, "Failed to close cache")
		if clearErr != nil {
			errutil.ReportError(clearErr, "Failed to clear cache")
			os.Exit(1)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%d bytes) from %s\n", before.Entries, before.Bytes, cfg.Directory)
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
}
