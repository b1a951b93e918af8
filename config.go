package imagecache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/lucasew/imagecache/internal/eviction"
	"github.com/lucasew/imagecache/internal/hashutil"
	"github.com/lucasew/imagecache/internal/memstore"
)

const (
	DefaultAppVersion             = 1
	DefaultMemoryCapacityFraction = 0.25
	DefaultDiskCapacityBytes      = 10 << 20
	DefaultEvictionStrategy       = "lru"
	DefaultKeyHash                = "sha256"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New(errors.CodeInvalidConfig, "invalid cache configuration")

// Config configures a Cache.
type Config struct {
	// Directory holds the disk tier.
	Directory string `json:"directory" mapstructure:"dir"`
	// AppVersion invalidates the disk tier when it changes.
	AppVersion int `json:"app_version" mapstructure:"app-version"`

	// MemoryCapacityBytes wins over MemoryCapacityFraction when set.
	MemoryCapacityBytes int64 `json:"memory_capacity_bytes" mapstructure:"memory-bytes"`
	// MemoryCapacityFraction is a share of the memory available to the
	// process, in (0, 1].
	MemoryCapacityFraction float64 `json:"memory_capacity_fraction" mapstructure:"memory-fraction"`

	DiskCapacityBytes int64 `json:"disk_capacity_bytes" mapstructure:"disk-bytes"`
	// DiskMinFreeBytes evicts from the disk tier while the filesystem has
	// less free space than this. Zero disables it.
	DiskMinFreeBytes int64 `json:"disk_min_free_bytes" mapstructure:"disk-min-free"`

	EvictionStrategy string `json:"eviction_strategy" mapstructure:"eviction-strategy"`
	// EvictionInterval enables a periodic disk trim. Zero disables it.
	EvictionInterval time.Duration `json:"eviction_interval" mapstructure:"eviction-interval"`
	KeyHash          string        `json:"key_hash" mapstructure:"key-hash"`
	// CompactThreshold is the number of stale journal records tolerated
	// before the journal is rewritten.
	CompactThreshold int `json:"compact_threshold" mapstructure:"compact-threshold"`
}

// DefaultDirectory is <user cache dir>/imagecache/thumbnails, or the same
// path under the temp dir when the user has no cache dir.
func DefaultDirectory() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "imagecache", "thumbnails")
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Directory == "" {
		c.Directory = DefaultDirectory()
	}
	if c.AppVersion == 0 {
		c.AppVersion = DefaultAppVersion
	}
	if c.MemoryCapacityBytes == 0 && c.MemoryCapacityFraction == 0 {
		c.MemoryCapacityFraction = DefaultMemoryCapacityFraction
	}
	if c.DiskCapacityBytes == 0 {
		c.DiskCapacityBytes = DefaultDiskCapacityBytes
	}
	if c.EvictionStrategy == "" {
		c.EvictionStrategy = DefaultEvictionStrategy
	}
	if c.KeyHash == "" {
		c.KeyHash = DefaultKeyHash
	}
}

// Validate checks a configuration after SetDefaults.
func (c *Config) Validate() error {
	switch {
	case c.Directory == "":
		return errors.Wrap(ErrInvalidConfig, errors.CodeInvalidConfig, "directory is required")
	case c.MemoryCapacityBytes < 0:
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "memory capacity %d must not be negative", c.MemoryCapacityBytes)
	case c.MemoryCapacityBytes == 0 && (c.MemoryCapacityFraction <= 0 || c.MemoryCapacityFraction > 1):
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "memory fraction %v must be in (0, 1]", c.MemoryCapacityFraction)
	case c.DiskCapacityBytes <= 0:
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "disk capacity %d must be greater than 0", c.DiskCapacityBytes)
	case c.DiskMinFreeBytes < 0:
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "disk min free %d must not be negative", c.DiskMinFreeBytes)
	case c.EvictionInterval < 0:
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "eviction interval %s must not be negative", c.EvictionInterval)
	case c.CompactThreshold < 0:
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "compact threshold %d must not be negative", c.CompactThreshold)
	}
	if _, err := eviction.GetStrategy(c.EvictionStrategy); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "eviction strategy")
	}
	if !hashutil.IsSupported(c.KeyHash) {
		return errors.Wrapf(ErrInvalidConfig, errors.CodeInvalidConfig, "unsupported key hash %q", c.KeyHash)
	}
	return nil
}

// MemoryCapacity resolves the memory budget in bytes.
func (c *Config) MemoryCapacity() (int64, error) {
	if c.MemoryCapacityBytes > 0 {
		return c.MemoryCapacityBytes, nil
	}
	return memstore.CapacityFromFraction(c.MemoryCapacityFraction)
}
