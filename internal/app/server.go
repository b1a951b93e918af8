package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/fetcher"
	"github.com/lucasew/imagecache/internal/handler"
	"github.com/lucasew/imagecache/internal/httpclient"
	"github.com/lucasew/imagecache/internal/metrics"
)

type Config struct {
	Port         int
	Cache        imagecache.Config
	Upstreams    []string
	CAFile       string
	FetchTimeout time.Duration
	MaxImageSize int64
}

// NewServer wires the cache, the fetcher and the HTTP routes. The disk tier
// opens in the background; requests that need it wait for it. The returned
// cleanup closes the cache.
func NewServer(cfg Config) (*http.Server, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	cache, err := imagecache.New[imagecache.RawImage](cfg.Cache, imagecache.RawImageCodec{}, imagecache.WithObserver(m))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cache: %w", err)
	}
	metrics.RegisterStats(reg, cache.Stats)

	client, err := httpclient.NewClient(cfg.CAFile, cfg.FetchTimeout)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("failed to create http client: %w", err)
	}
	f := fetcher.NewFetcher(client, cfg.Upstreams)
	if cfg.MaxImageSize > 0 {
		f.MaxBytes = cfg.MaxImageSize
	}

	cache.Initialize()

	mux := http.NewServeMux()
	mux.Handle("/image", handler.NewImageHandler(cache, f.Fetch))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := cache.State()
		if state >= imagecache.StateClosing {
			http.Error(w, state.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintln(w, state)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	resolved := cache.Config()
	slog.Info("Starting server", "addr", addr, "cache_dir", resolved.Directory, "disk_capacity", resolved.DiskCapacityBytes, "upstreams", cfg.Upstreams)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := func() {
		_, err := cache.Close().Wait(context.Background())
		errutil.LogMsg(err, "Failed to close cache")
	}

	return server, cleanup, nil
}
