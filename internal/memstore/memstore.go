// Package memstore is the in-process tier: a size-bounded LRU of decoded values.
package memstore

import (
	"context"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/lucasew/imagecache/internal/eviction"
	"github.com/lucasew/imagecache/internal/eviction/lru"
	"github.com/lucasew/imagecache/internal/eviction/policy"
	"github.com/lucasew/imagecache/internal/eviction/policy/maxsize"
	"github.com/lucasew/imagecache/internal/repository"
)

// ErrInvalidCapacity is returned for non-positive capacities and fractions outside (0, 1].
var ErrInvalidCapacity = errors.New(errors.CodeInvalidConfig, "invalid memory capacity")

// SizeFunc reports the number of bytes a value is charged against capacity.
type SizeFunc[V any] func(V) int64

// Options configures a Store.
type Options[V any] struct {
	// Capacity in bytes.
	Capacity int64
	// SizeOf is used by Put. Add takes an explicit size instead.
	SizeOf SizeFunc[V]
	// OnEvicted runs for every entry pushed out by capacity, with the store
	// lock held. It must not call back into the store.
	OnEvicted func(key string, value V)
}

// Store is a thread-safe LRU keyed by string. Lookups share a read lock;
// mutations, including the evictions they cause, are exclusive.
type Store[V any] struct {
	mu        sync.RWMutex
	values    map[string]V
	mgr       *eviction.Manager
	capacity  int64
	sizeOf    SizeFunc[V]
	onEvicted func(string, V)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

var _ repository.Repository[[]byte] = (*Store[[]byte])(nil)

// New creates a Store.
func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, errors.CodeInvalidConfig, "capacity %d", opts.Capacity)
	}
	s := &Store[V]{
		values:    make(map[string]V),
		capacity:  opts.Capacity,
		sizeOf:    opts.SizeOf,
		onEvicted: opts.OnEvicted,
		mgr: eviction.NewManager(
			[]policy.Policy{&maxsize.Policy{MaxBytes: opts.Capacity}},
			0,
			lru.New(),
		),
	}
	s.mgr.SetStore(s)
	return s, nil
}

// Get returns the value for key and marks it most recently used.
func (s *Store[V]) Get(_ context.Context, key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		s.misses.Add(1)
		var zero V
		return zero, repository.ErrNotFound
	}
	s.mgr.Touch(key)
	s.hits.Add(1)
	return v, nil
}

// Peek returns the value for key without touching its recency.
func (s *Store[V]) Peek(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Contains reports whether key is resident.
func (s *Store[V]) Contains(key string) bool {
	_, ok := s.Peek(key)
	return ok
}

// Put stores value with the size reported by the store's SizeFunc.
func (s *Store[V]) Put(_ context.Context, key string, value V) error {
	var size int64
	if s.sizeOf != nil {
		size = s.sizeOf(value)
	}
	s.Add(key, value, size)
	return nil
}

// Add stores value charged at size bytes and evicts least recently used
// entries until the store fits again. A value larger than the whole
// capacity is not stored, any previous value for key is dropped, and Add
// returns false.
func (s *Store[V]) Add(key string, value V, size int64) bool {
	if size < 0 {
		size = 0
	}
	if !s.mgr.Fits(size) {
		slog.Debug("Value larger than memory capacity", "key", key, "size", size, "capacity", s.capacity)
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			s.mgr.Forget(key)
		}
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	s.mgr.Add(key, size)
	s.trimLocked()
	return true
}

// Remove drops key.
func (s *Store[V]) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.mgr.Forget(key)
	}
	return nil
}

// Clear drops every entry. Cleared entries do not count as evictions.
func (s *Store[V]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.values)
	s.mgr.Reset()
	return nil
}

// Trim evicts until the store is within capacity. Add already does this,
// so Trim only matters to an eviction.Manager driving the store.
func (s *Store[V]) Trim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked()
	return nil
}

func (s *Store[V]) trimLocked() {
	for _, victim := range s.mgr.Victims() {
		v := s.values[victim.Key]
		delete(s.values, victim.Key)
		s.mgr.Forget(victim.Key)
		s.evictions.Add(1)
		if s.onEvicted != nil {
			s.onEvicted(victim.Key, v)
		}
	}
}

// Size is the sum of the sizes of resident entries.
func (s *Store[V]) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mgr.Size()
}

// Len is the number of resident entries.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Store[V]) Capacity() int64 {
	return s.capacity
}

// Keys lists resident keys from least to most recently used.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.mgr.Order()
	keys := make([]string, len(order))
	for i, v := range order {
		keys[i] = v.Key
	}
	return keys
}

func (s *Store[V]) EvictionCount() uint64 { return s.evictions.Load() }
func (s *Store[V]) HitCount() uint64      { return s.hits.Load() }
func (s *Store[V]) MissCount() uint64     { return s.misses.Load() }

// CapacityFromFraction turns a fraction of the memory available to the
// process into a byte budget. The Go memory limit (GOMEMLIMIT) wins when
// set; otherwise the system's total memory is used.
func CapacityFromFraction(fraction float64) (int64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, errors.Wrapf(ErrInvalidCapacity, errors.CodeInvalidConfig, "fraction %v", fraction)
	}

	available := debug.SetMemoryLimit(-1)
	if available == math.MaxInt64 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, errors.Wrap(err, errors.CodeUnavailable, "read system memory")
		}
		available = int64(vm.Total)
	}

	capacity := int64(float64(available) * fraction)
	if capacity <= 0 {
		return 0, errors.Wrapf(ErrInvalidCapacity, errors.CodeInvalidConfig, "fraction %v of %d bytes", fraction, available)
	}
	return capacity, nil
}
