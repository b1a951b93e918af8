package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasew/imagecache/internal/repository"
)

func newBytesStore(t *testing.T, capacity int64) *Store[[]byte] {
	t.Helper()
	s, err := New(Options[[]byte]{
		Capacity: capacity,
		SizeOf:   func(b []byte) int64 { return int64(len(b)) },
	})
	require.NoError(t, err)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 1024)

	require.NoError(t, s.Put(ctx, "k", []byte("value")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	assert.Equal(t, int64(5), s.Size())
	assert.Equal(t, uint64(1), s.HitCount())

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	assert.Equal(t, uint64(1), s.MissCount())
}

func TestStore_EvictsOldestOnOverflow(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 100)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, k, make([]byte, 40)))
	}

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.Get(ctx, "b")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "c")
	assert.NoError(t, err)

	assert.Equal(t, int64(80), s.Size())
	assert.Equal(t, uint64(1), s.EvictionCount())
}

func TestStore_GetRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 20)

	s.Add("A", nil, 10)
	s.Add("B", nil, 10)
	_, err := s.Get(ctx, "A")
	require.NoError(t, err)
	s.Add("C", nil, 10)

	assert.True(t, s.Contains("A"))
	assert.False(t, s.Contains("B"))
	assert.True(t, s.Contains("C"))
	assert.Equal(t, []string{"A", "C"}, s.Keys())
}

func TestStore_PeekDoesNotRefreshRecency(t *testing.T) {
	s := newBytesStore(t, 20)

	s.Add("A", nil, 10)
	s.Add("B", nil, 10)
	_, ok := s.Peek("A")
	require.True(t, ok)
	s.Add("C", nil, 10)

	assert.False(t, s.Contains("A"))
	assert.True(t, s.Contains("B"))
}

func TestStore_OversizedValueIsIgnored(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 10)

	s.Add("small", []byte("x"), 1)
	require.NoError(t, s.Put(ctx, "big", make([]byte, 11)))

	assert.False(t, s.Contains("big"))
	assert.True(t, s.Contains("small"))
	assert.Equal(t, uint64(0), s.EvictionCount())
	assert.False(t, s.Add("big", nil, 11))
}

func TestStore_OversizedReplaceDropsPreviousValue(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 10)

	s.Add("k", []byte("small"), 5)
	s.Add("other", []byte("o"), 1)
	assert.False(t, s.Add("k", make([]byte, 11), 11))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.True(t, s.Contains("other"))
	assert.Equal(t, int64(1), s.Size())
	assert.Equal(t, uint64(0), s.EvictionCount())
}

func TestStore_ReplaceUpdatesSize(t *testing.T) {
	s := newBytesStore(t, 100)

	s.Add("k", nil, 30)
	s.Add("k", nil, 10)

	assert.Equal(t, int64(10), s.Size())
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 100)

	s.Add("a", nil, 10)
	s.Add("b", nil, 20)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "a"))
	assert.Equal(t, int64(20), s.Size())

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, int64(0), s.Size())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Keys())
}

func TestStore_OnEvicted(t *testing.T) {
	var evicted []string
	s, err := New(Options[string]{
		Capacity:  2,
		SizeOf:    func(string) int64 { return 1 },
		OnEvicted: func(key string, _ string) { evicted = append(evicted, key) },
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Put(ctx, k, k))
	}
	assert.Equal(t, []string{"a", "b"}, evicted)
}

func TestStore_CapacityInvariantUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newBytesStore(t, 500)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", w, i%17)
				_ = s.Put(ctx, key, make([]byte, (i%7)*13))
				_, _ = s.Get(ctx, key)
				assert.LessOrEqual(t, s.Size(), int64(500))
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, k := range s.Keys() {
		v, ok := s.Peek(k)
		require.True(t, ok)
		total += int64(len(v))
	}
	assert.Equal(t, s.Size(), total)
	assert.LessOrEqual(t, total, int64(500))
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New(Options[[]byte]{Capacity: 0})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestCapacityFromFraction(t *testing.T) {
	capacity, err := CapacityFromFraction(0.25)
	require.NoError(t, err)
	assert.Positive(t, capacity)

	for _, bad := range []float64{0, -0.5, 1.5} {
		_, err := CapacityFromFraction(bad)
		assert.Error(t, err, "fraction %v", bad)
	}
}
