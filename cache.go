// Package imagecache is a two-tier LRU cache for images keyed by URL: a
// bounded in-memory tier of decoded values in front of a bounded,
// journaled disk tier of encoded bytes that survives restarts.
package imagecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"golang.org/x/sync/singleflight"

	"github.com/lucasew/imagecache/internal/diskstore"
	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/memstore"
	"github.com/lucasew/imagecache/internal/repository"
	"github.com/lucasew/imagecache/internal/taskrunner"
)

// ErrCacheClosed is returned by every operation once Close was called.
var ErrCacheClosed = errors.New(errors.CodeUnavailable, "image cache closed")

// State is the lifecycle stage of a Cache.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FetchFunc loads the encoded bytes for a key on a miss.
type FetchFunc func(ctx context.Context, key string) ([]byte, error)

type Option func(*options)

type options struct {
	fs       core.FS
	observer Observer
	openDisk func(diskstore.Options) (*diskstore.Store, error)
}

// WithFS puts the disk tier on fs instead of the local filesystem.
func WithFS(fs core.FS) Option {
	return func(o *options) { o.fs = fs }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func withDiskOpener(open func(diskstore.Options) (*diskstore.Store, error)) Option {
	return func(o *options) { o.openDisk = open }
}

// Cache is safe for concurrent use. Get and Put work from the moment New
// returns; the disk tier joins after Initialize.
type Cache[V any] struct {
	cfg    Config
	codec  Codec[V]
	opts   options
	memory *memstore.Store[V]
	runner *taskrunner.Runner
	group  singleflight.Group
	errs   chan error

	mu          sync.Mutex
	state       State
	disk        *diskstore.Store
	ready       chan struct{}
	initFuture  *taskrunner.Future[struct{}]
	closeFuture *taskrunner.Future[struct{}]
	stopTrim    context.CancelFunc
	trimDone    chan struct{}

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	misses     atomic.Uint64
}

// New builds a cache from cfg. Unset fields take their defaults.
func New[V any](cfg Config, codec Codec[V], opts ...Option) (*Cache[V], error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	capacity, err := cfg.MemoryCapacity()
	if err != nil {
		return nil, err
	}

	o := options{observer: nopObserver{}, openDisk: diskstore.Open}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		cfg:    cfg,
		codec:  codec,
		opts:   o,
		runner: taskrunner.New("imagecache"),
		errs:   make(chan error, 16),
		ready:  make(chan struct{}),
	}
	c.memory, err = memstore.New(memstore.Options[V]{
		Capacity: capacity,
		SizeOf:   codec.SizeOf,
		OnEvicted: func(key string, _ V) {
			o.observer.Evicted(TierMemory, key)
		},
	})
	if err != nil {
		c.runner.Stop()
		return nil, err
	}
	slog.Debug("Created image cache", "dir", cfg.Directory, "memory_capacity", capacity, "disk_capacity", cfg.DiskCapacityBytes)
	return c, nil
}

// Config returns the resolved configuration.
func (c *Cache[V]) Config() Config { return c.cfg }

func (c *Cache[V]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errors delivers disk tier failures that did not fail the call that hit
// them. Errors are dropped when nobody drains the channel.
func (c *Cache[V]) Errors() <-chan error { return c.errs }

func (c *Cache[V]) reportDiskError(op string, err error) {
	slog.Warn("Disk cache error", "op", op, "error", err)
	c.opts.observer.DiskError(op, err)
	select {
	case c.errs <- err:
	default:
		slog.Debug("Dropping disk cache error, channel full", "op", op)
	}
}

// Initialize queues opening the disk tier. Get and Put that need the disk
// wait for it. If the directory cannot be used the cache keeps running on
// memory alone and the future carries the error. Calling it again before
// Close returns the first future.
func (c *Cache[V]) Initialize() *taskrunner.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return taskrunner.Resolved(struct{}{}, ErrCacheClosed)
	}
	if c.initFuture != nil {
		return c.initFuture
	}
	c.state = StateStarting
	c.initFuture = taskrunner.Submit(c.runner, "initialize", c.openDisk)
	return c.initFuture
}

func (c *Cache[V]) openDisk() error {
	store, err := c.opts.openDisk(diskstore.Options{
		FS:               c.opts.fs,
		Directory:        c.cfg.Directory,
		AppVersion:       c.cfg.AppVersion,
		MaxBytes:         c.cfg.DiskCapacityBytes,
		MinFreeBytes:     c.cfg.DiskMinFreeBytes,
		Strategy:         c.cfg.EvictionStrategy,
		Hash:             c.cfg.KeyHash,
		CompactThreshold: c.cfg.CompactThreshold,
		EvictionInterval: c.cfg.EvictionInterval,
		OnEvict: func(key string, _ int64) {
			c.opts.observer.Evicted(TierDisk, key)
		},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(c.ready)

	if err != nil {
		slog.Warn("Disk cache unavailable, running from memory only", "dir", c.cfg.Directory, "error", err)
		c.reportDiskError("open", err)
	} else {
		c.disk = store
		if c.cfg.EvictionInterval > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			c.stopTrim = cancel
			c.trimDone = make(chan struct{})
			go func() {
				defer close(c.trimDone)
				store.Manager().Start(ctx)
			}()
		}
		slog.Info("Disk cache ready", "dir", store.Dir(), "entries", store.Len(), "size", store.Size())
	}
	if c.state == StateStarting {
		c.state = StateReady
	}
	return err
}

// awaitDisk returns the disk tier, or nil when there is none to use.
// It blocks while the disk is being opened.
func (c *Cache[V]) awaitDisk(ctx context.Context) (*diskstore.Store, error) {
	for {
		c.mu.Lock()
		state, disk, ready := c.state, c.disk, c.ready
		c.mu.Unlock()

		switch state {
		case StateUninitialized:
			return nil, nil
		case StateStarting:
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case StateReady:
			return disk, nil
		default:
			return nil, ErrCacheClosed
		}
	}
}

func (c *Cache[V]) checkOpen(key string) error {
	if err := diskstore.ValidateKey(key); err != nil {
		return err
	}
	if c.State() >= StateClosing {
		return ErrCacheClosed
	}
	return nil
}

// Get looks key up in memory, then on disk. A disk hit is decoded and
// promoted to memory. Disk failures count as misses.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := c.checkOpen(key); err != nil {
		return zero, false, err
	}

	if v, err := c.memory.Get(ctx, key); err == nil {
		slog.Debug("Cache hit", "tier", TierMemory, "key", key)
		c.hit(TierMemory)
		return v, true, nil
	}

	disk, err := c.awaitDisk(ctx)
	if err != nil {
		return zero, false, err
	}
	if disk == nil {
		c.miss(key)
		return zero, false, nil
	}

	data, err := disk.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		c.miss(key)
		return zero, false, nil
	case errors.Is(err, diskstore.ErrClosed):
		return zero, false, ErrCacheClosed
	case ctx.Err() != nil:
		return zero, false, ctx.Err()
	default:
		c.reportDiskError("get", err)
		c.miss(key)
		return zero, false, nil
	}

	v, err := c.codec.Decode(data)
	if err != nil {
		slog.Warn("Dropping undecodable disk cache entry", "key", key, "error", err)
		c.removeFromDisk(ctx, disk, key)
		c.miss(key)
		return zero, false, nil
	}
	c.memory.Add(key, v, c.codec.SizeOf(v))
	slog.Debug("Cache hit", "tier", TierDisk, "key", key)
	c.hit(TierDisk)
	return v, true, nil
}

func (c *Cache[V]) hit(tier Tier) {
	if tier == TierMemory {
		c.memoryHits.Add(1)
	} else {
		c.diskHits.Add(1)
	}
	c.opts.observer.Hit(tier)
}

func (c *Cache[V]) miss(key string) {
	slog.Debug("Cache miss", "key", key)
	c.misses.Add(1)
	c.opts.observer.Miss()
}

// Put decodes data, stores the value in memory and the bytes on disk.
// Only undecodable data and a closed cache fail Put; disk write failures
// go to Errors.
func (c *Cache[V]) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.store(ctx, key, data)
	return err
}

func (c *Cache[V]) store(ctx context.Context, key string, data []byte) (V, error) {
	var zero V
	if err := c.checkOpen(key); err != nil {
		return zero, err
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	c.memory.Add(key, v, c.codec.SizeOf(v))

	disk, err := c.awaitDisk(ctx)
	if err != nil {
		return zero, err
	}
	if disk == nil {
		return v, nil
	}

	err = disk.Put(ctx, key, data)
	switch {
	case err == nil:
		slog.Debug("Stored cache entry", "key", key, "size", len(data))
	case errors.Is(err, diskstore.ErrEditInProgress):
		slog.Debug("Skipping disk write, another writer holds the key", "key", key)
	case errors.Is(err, diskstore.ErrClosed):
		return zero, ErrCacheClosed
	default:
		c.reportDiskError("put", err)
	}
	return v, nil
}

// GetOrFetch returns the cached value for key, calling fetch on a miss.
// Concurrent misses for the same key share one fetch.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (V, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || ok {
		return v, err
	}

	// The fetch outlives the caller that started it: other callers may be
	// waiting on it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.memory.Peek(key); ok {
			return v, nil
		}
		data, err := fetch(fetchCtx, key)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		return c.store(fetchCtx, key, data)
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			slog.Debug("Shared in-flight fetch", "key", key)
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// LoadAsync runs GetOrFetch on its own goroutine.
func (c *Cache[V]) LoadAsync(ctx context.Context, key string, fetch FetchFunc) *taskrunner.Future[V] {
	return taskrunner.Spawn(func() (V, error) {
		return c.GetOrFetch(ctx, key, fetch)
	})
}

// Remove drops key from both tiers.
func (c *Cache[V]) Remove(ctx context.Context, key string) error {
	if err := c.checkOpen(key); err != nil {
		return err
	}
	if err := c.memory.Remove(ctx, key); err != nil {
		return err
	}

	disk, err := c.awaitDisk(ctx)
	if err != nil || disk == nil {
		return err
	}
	if err := disk.Remove(ctx, key); err != nil {
		if errors.Is(err, diskstore.ErrClosed) {
			return ErrCacheClosed
		}
		return err
	}
	return nil
}

func (c *Cache[V]) removeFromDisk(ctx context.Context, disk *diskstore.Store, key string) {
	if err := disk.Remove(ctx, key); err != nil && !errors.Is(err, diskstore.ErrClosed) {
		c.reportDiskError("remove", err)
	}
}

// submit queues a lifecycle task unless the cache is closing. The state
// check and the enqueue happen under one lock so nothing lands behind
// the close task.
func (c *Cache[V]) submit(name string, fn func() error) *taskrunner.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return taskrunner.Resolved(struct{}{}, ErrCacheClosed)
	}
	return taskrunner.Submit(c.runner, name, fn)
}

func (c *Cache[V]) currentDisk() *diskstore.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disk
}

// Clear empties both tiers.
func (c *Cache[V]) Clear() *taskrunner.Future[struct{}] {
	return c.submit("clear", func() error {
		ctx := context.Background()
		if err := c.memory.Clear(ctx); err != nil {
			return err
		}
		if disk := c.currentDisk(); disk != nil {
			return disk.Clear(ctx)
		}
		return nil
	})
}

// Flush trims the disk tier and syncs its journal.
func (c *Cache[V]) Flush() *taskrunner.Future[struct{}] {
	return c.submit("flush", func() error {
		if disk := c.currentDisk(); disk != nil {
			return disk.Flush()
		}
		return nil
	})
}

// Close stops the cache. Tasks queued before Close still run; everything
// after fails with ErrCacheClosed. Closing twice returns the same future.
func (c *Cache[V]) Close() *taskrunner.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFuture != nil {
		return c.closeFuture
	}
	c.state = StateClosing
	c.closeFuture = taskrunner.Submit(c.runner, "close", c.shutdown)
	c.runner.Stop()
	return c.closeFuture
}

func (c *Cache[V]) shutdown() error {
	c.mu.Lock()
	disk, stop, done := c.disk, c.stopTrim, c.trimDone
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	var err error
	if disk != nil {
		err = disk.Close()
	}
	errutil.LogMsg(c.memory.Clear(context.Background()), "Failed to clear memory cache")

	c.mu.Lock()
	c.state = StateClosed
	c.disk = nil
	c.mu.Unlock()

	if err != nil {
		c.reportDiskError("close", err)
		return err
	}
	slog.Debug("Closed image cache", "dir", c.cfg.Directory)
	return nil
}
