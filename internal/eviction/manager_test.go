package eviction_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasew/imagecache/internal/eviction"
	"github.com/lucasew/imagecache/internal/eviction/lru"
	"github.com/lucasew/imagecache/internal/eviction/policy"
	"github.com/lucasew/imagecache/internal/eviction/policy/maxsize"
)

// mapStore evicts through the manager the same way the real stores do.
type mapStore struct {
	mgr     *eviction.Manager
	entries map[string]int64
	trims   atomic.Int32
}

func (s *mapStore) put(key string, size int64) {
	s.entries[key] = size
	s.mgr.Add(key, size)
}

func (s *mapStore) Trim() error {
	s.trims.Add(1)
	for _, v := range s.mgr.Victims() {
		delete(s.entries, v.Key)
		s.mgr.Forget(v.Key)
	}
	return nil
}

func newMapStore(maxBytes int64, interval time.Duration) *mapStore {
	mgr := eviction.NewManager([]policy.Policy{&maxsize.Policy{MaxBytes: maxBytes}}, interval, lru.New())
	s := &mapStore{mgr: mgr, entries: make(map[string]int64)}
	mgr.SetStore(s)
	return s
}

func TestManager(t *testing.T) {
	s := newMapStore(50, 0)

	s.put("file1", 20)
	s.put("file2", 20)
	s.put("file3", 20)

	// 60 > 50: the oldest entry goes.
	s.mgr.RunEviction()

	if len(s.entries) != 2 {
		t.Errorf("Expected 2 entries remaining, got %d", len(s.entries))
	}
	if _, ok := s.entries["file1"]; ok {
		t.Errorf("Expected file1 to be evicted")
	}
	if s.mgr.Size() != 40 {
		t.Errorf("Expected size 40, got %d", s.mgr.Size())
	}

	s.mgr.Touch("file2")
	s.put("file4", 20)
	s.mgr.RunEviction()

	if _, ok := s.entries["file3"]; ok {
		t.Errorf("Expected file3 to be evicted after file2 was touched")
	}
	if _, ok := s.entries["file2"]; !ok {
		t.Errorf("Expected file2 to survive")
	}
}

func TestManager_Fits(t *testing.T) {
	bounded := eviction.NewManager([]policy.Policy{&maxsize.Policy{MaxBytes: 100}}, 0, lru.New())
	if !bounded.Fits(100) {
		t.Error("entry equal to capacity should fit")
	}
	if bounded.Fits(101) {
		t.Error("entry above capacity should not fit")
	}

	unbounded := eviction.NewManager(nil, 0, lru.New())
	if unbounded.Capacity() != -1 {
		t.Errorf("expected unbounded capacity -1, got %d", unbounded.Capacity())
	}
	if !unbounded.Fits(1 << 40) {
		t.Error("anything fits without a bounded policy")
	}
}

func TestManager_ForgetAndReset(t *testing.T) {
	mgr := eviction.NewManager(nil, 0, lru.New())
	mgr.Add("a", 10)
	mgr.Add("b", 5)
	mgr.Add("a", 12)

	if mgr.Size() != 17 {
		t.Fatalf("expected size 17, got %d", mgr.Size())
	}
	if got := mgr.Forget("a"); got != 12 {
		t.Errorf("expected forgotten size 12, got %d", got)
	}
	if mgr.Size() != 5 {
		t.Errorf("expected size 5, got %d", mgr.Size())
	}

	order := mgr.Order()
	if len(order) != 1 || order[0].Key != "b" {
		t.Errorf("unexpected order %+v", order)
	}

	mgr.Reset()
	if mgr.Size() != 0 || len(mgr.Order()) != 0 {
		t.Errorf("expected empty manager after reset")
	}
}

func TestManager_Start(t *testing.T) {
	s := newMapStore(10, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.mgr.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.trims.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("background eviction never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestGetStrategy_Unknown(t *testing.T) {
	if _, err := eviction.GetStrategy("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
