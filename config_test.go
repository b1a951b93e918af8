package imagecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, filepath.Join("imagecache", "thumbnails"), filepath.Join(filepath.Base(filepath.Dir(cfg.Directory)), filepath.Base(cfg.Directory)))
	assert.Equal(t, DefaultAppVersion, cfg.AppVersion)
	assert.Equal(t, DefaultMemoryCapacityFraction, cfg.MemoryCapacityFraction)
	assert.Equal(t, int64(DefaultDiskCapacityBytes), cfg.DiskCapacityBytes)
	assert.Equal(t, "lru", cfg.EvictionStrategy)
	assert.Equal(t, "sha256", cfg.KeyHash)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ExplicitMemoryBytesSkipsFraction(t *testing.T) {
	cfg := Config{MemoryCapacityBytes: 1234}
	cfg.SetDefaults()
	assert.Zero(t, cfg.MemoryCapacityFraction)

	capacity, err := cfg.MemoryCapacity()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), capacity)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fraction too large", func(c *Config) { c.MemoryCapacityFraction = 1.5 }},
		{"negative memory", func(c *Config) { c.MemoryCapacityBytes = -1 }},
		{"negative disk", func(c *Config) { c.DiskCapacityBytes = -1 }},
		{"negative min free", func(c *Config) { c.DiskMinFreeBytes = -1 }},
		{"negative interval", func(c *Config) { c.EvictionInterval = -time.Second }},
		{"negative compact threshold", func(c *Config) { c.CompactThreshold = -1 }},
		{"unknown strategy", func(c *Config) { c.EvictionStrategy = "random" }},
		{"unknown hash", func(c *Config) { c.KeyHash = "crc32" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Directory: t.TempDir()}
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New[[]byte](Config{DiskCapacityBytes: -5}, BytesCodec{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
