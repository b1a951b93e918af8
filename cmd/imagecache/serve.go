package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/imagecache/internal/app"
	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/fetcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve images through the cache over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		cacheCfg, err := cacheConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}

		upstreams := viper.GetStringSlice("upstream")
		if len(upstreams) == 0 {
			upstreams = fetcher.ServersFromEnv()
		}

		server, cleanup, err := app.NewServer(app.Config{
			Port:         viper.GetInt("port"),
			Cache:        cacheCfg,
			Upstreams:    upstreams,
			CAFile:       viper.GetString("ca-file"),
			FetchTimeout: viper.GetDuration("fetch-timeout"),
			MaxImageSize: viper.GetInt64("max-image-size"),
		})
		if err != nil {
			errutil.ReportError(err, "Failed to initialize server")
			os.Exit(1)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errutil.LogMsg(server.Shutdown(shutdownCtx), "Failed to shut down server")
		}()

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errutil.ReportError(err, "Server failed")
			cleanup()
			os.Exit(1)
		}
		<-shutdownDone
		slog.Info("Server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to run the server on")
	serveCmd.Flags().StringSlice("upstream", []string{}, "Upstream imagecache servers tried before the origin (default from IMAGECACHE_SERVER)")
	serveCmd.Flags().String("ca-file", "", "Extra CA certificates (PEM) trusted when fetching")
	serveCmd.Flags().Duration("fetch-timeout", 30*time.Second, "Timeout of one origin request")
	serveCmd.Flags().Int64("max-image-size", fetcher.DefaultMaxBytes, "Largest image accepted from an origin, in bytes")

	for _, name := range []string{"port", "upstream", "ca-file", "fetch-timeout", "max-image-size"} {
		errutil.LogMsg(viper.BindPFlag(name, serveCmd.Flags().Lookup(name)), "Failed to bind flag", "flag", name)
	}
}
