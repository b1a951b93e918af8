package app

import (
	"context"
	"fmt"

	"github.com/lucasew/imagecache"
)

// OpenCache creates a cache and waits for its disk tier. Unlike the server,
// which keeps serving from memory, commands that exist to act on the disk
// tier fail when it cannot be opened.
func OpenCache[V any](ctx context.Context, cfg imagecache.Config, codec imagecache.Codec[V], opts ...imagecache.Option) (*imagecache.Cache[V], error) {
	cache, err := imagecache.New(cfg, codec, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	if _, err := cache.Initialize().Wait(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to open cache directory %s: %w", cache.Config().Directory, err)
	}
	return cache, nil
}
