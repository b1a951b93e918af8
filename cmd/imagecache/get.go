package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/app"
	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/fetcher"
	"github.com/lucasew/imagecache/internal/httpclient"
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Fetch an image through the cache",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := args[0]
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			errutil.ReportError(err, "Failed to get output flag")
			os.Exit(1)
		}
		servers, err := cmd.Flags().GetStringSlice("server")
		if err != nil {
			errutil.ReportError(err, "Failed to get server flag")
			os.Exit(1)
		}
		if len(servers) == 0 {
			servers = fetcher.ServersFromEnv()
		}
		quiet, err := cmd.Flags().GetBool("quiet")
		if err != nil {
			errutil.ReportError(err, "Failed to get quiet flag")
			os.Exit(1)
		}

		cfg, err := cacheConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		cache, err := app.OpenCache[imagecache.RawImage](cmd.Context(), cfg, imagecache.RawImageCodec{})
		if err != nil {
			errutil.ReportError(err, "Failed to open cache")
			os.Exit(1)
		}
		defer func() {
			_, err := cache.Close().Wait(cmd.Context())
			errutil.LogMsg(err, "Failed to close cache")
		}()

		client, err := httpclient.NewClient("", 0)
		if err != nil {
			errutil.ReportError(err, "Failed to create http client")
			os.Exit(1)
		}
		f := fetcher.NewFetcher(client, servers)
		if !quiet {
			f.Progress = os.Stderr
		}

		img, err := cache.GetOrFetch(cmd.Context(), url, f.Fetch)
		if err != nil {
			errutil.ReportError(err, "Fetch failed", "url", url)
			os.Exit(1)
		}

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				errutil.ReportError(err, "Failed to create output file")
				os.Exit(1)
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close output file")
			}()
			out = file
		}
		if _, err := out.Write(img.Data); err != nil {
			errutil.ReportError(err, "Failed to write image")
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed write", "path", output)
			}
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output file")
	getCmd.Flags().StringSlice("server", []string{}, "Upstream imagecache servers (default from IMAGECACHE_SERVER)")
	getCmd.Flags().BoolP("quiet", "q", false, "Do not show download progress")
}
