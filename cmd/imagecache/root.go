package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/eviction"
	"github.com/lucasew/imagecache/internal/hashutil"
)

var rootCmd = &cobra.Command{
	Use:   "imagecache",
	Short: "A two-tier image cache",
	Long: `imagecache keeps images fetched by URL in a bounded in-memory LRU backed
by a bounded, journaled LRU directory on disk.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

var configFile string

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.String("dir", imagecache.DefaultDirectory(), "Directory of the disk cache")
	flags.Int("app-version", imagecache.DefaultAppVersion, "Application version; changing it discards the disk cache")
	flags.Int64("memory-bytes", 0, "Memory cache capacity in bytes (overrides --memory-fraction)")
	flags.Float64("memory-fraction", imagecache.DefaultMemoryCapacityFraction, "Memory cache capacity as a fraction of available memory")
	flags.Int64("disk-bytes", imagecache.DefaultDiskCapacityBytes, "Disk cache capacity in bytes")
	flags.Int64("disk-min-free", 0, "Evict from the disk cache while free space is below this many bytes")
	flags.String("eviction-strategy", imagecache.DefaultEvictionStrategy, fmt.Sprintf("Eviction strategy to use (%s)", strings.Join(eviction.Names(), ", ")))
	flags.Duration("eviction-interval", 0, "Interval of the periodic disk trim (0 disables it)")
	flags.String("key-hash", imagecache.DefaultKeyHash, fmt.Sprintf("Hash that maps keys to file names (%s)", strings.Join(hashutil.Names(), ", ")))
	flags.Int("compact-threshold", 0, "Stale journal records tolerated before compaction (0 for the default)")

	for _, name := range []string{
		"verbose", "dir", "app-version", "memory-bytes", "memory-fraction", "disk-bytes",
		"disk-min-free", "eviction-strategy", "eviction-interval", "key-hash", "compact-threshold",
	} {
		errutil.LogMsg(viper.BindPFlag(name, flags.Lookup(name)), "Failed to bind flag", "flag", name)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IMAGECACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			errutil.ReportError(err, "Failed to read config file", "path", configFile)
			os.Exit(1)
		}
		slog.Debug("Loaded config file", "path", viper.ConfigFileUsed())
	}

	if viper.GetBool("verbose") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}

// cacheConfig reads the cache settings from flags, environment and config file.
func cacheConfig() (imagecache.Config, error) {
	var cfg imagecache.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read cache configuration: %w", err)
	}
	return cfg, nil
}
