package eviction

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/eviction/policy"
)

// Manager tracks the byte usage of one store and decides what it must
// evict. It does not lock on behalf of the store: callers that mutate it
// from several goroutines serialize those calls themselves.
type Manager struct {
	store        Store
	policies     []policy.Policy
	strategy     Strategy
	currentBytes atomic.Int64
	interval     time.Duration
}

// NewManager creates a new Manager.
func NewManager(policies []policy.Policy, interval time.Duration, strategy Strategy) *Manager {
	return &Manager{
		policies: policies,
		interval: interval,
		strategy: strategy,
	}
}

// SetStore sets the store RunEviction trims.
func (m *Manager) SetStore(store Store) {
	m.store = store
}

// Start runs RunEviction every interval until ctx is done. Policies that
// depend on the outside world (free disk space) drift between writes, so
// the store alone cannot notice them.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunEviction()
		}
	}
}

// Add records a stored or replaced entry.
func (m *Manager) Add(key string, size int64) {
	diff := m.strategy.OnAdd(key, size)
	m.currentBytes.Add(diff)
}

// Touch marks key as recently used.
func (m *Manager) Touch(key string) {
	m.strategy.OnAccess(key)
}

// Forget stops tracking key and returns the size it was tracked with.
func (m *Manager) Forget(key string) int64 {
	size := m.strategy.Remove(key)
	m.currentBytes.Add(-size)
	return size
}

// Reset forgets every entry.
func (m *Manager) Reset() {
	m.strategy.Reset()
	m.currentBytes.Store(0)
}

// Size is the total size of tracked entries.
func (m *Manager) Size() int64 {
	return m.currentBytes.Load()
}

// Capacity is the smallest bound among the bounded policies, or -1 when
// none of them is bounded.
func (m *Manager) Capacity() int64 {
	capacity := int64(-1)
	for _, p := range m.policies {
		if b, ok := p.(policy.Bounded); ok {
			if c := b.Capacity(); capacity < 0 || c < capacity {
				capacity = c
			}
		}
	}
	return capacity
}

// Fits reports whether an entry of size bytes can be admitted at all.
func (m *Manager) Fits(size int64) bool {
	capacity := m.Capacity()
	return capacity < 0 || size <= capacity
}

// Order lists tracked entries from least to most recently used.
func (m *Manager) Order() []Victim {
	return m.strategy.GetVictims(m.currentBytes.Load(), -1)
}

// Victims returns the least recently used entries whose removal satisfies
// every policy. Nothing is removed; the caller deletes each victim and
// then calls Forget.
func (m *Manager) Victims() []Victim {
	current := m.currentBytes.Load()
	var maxToFree int64

	for _, p := range m.policies {
		toFree, err := p.BytesToFree(current)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		if toFree > maxToFree {
			maxToFree = toFree
		}
	}

	if maxToFree <= 0 {
		return nil
	}

	targetSize := max(current-maxToFree, 0)
	victims := m.strategy.GetVictims(current, targetSize)
	if len(victims) > 0 {
		slog.Debug("Selected eviction victims", "count", len(victims), "current_size", current, "to_free", maxToFree, "target", targetSize)
	}
	return victims
}

// RunEviction asks the store to trim itself.
func (m *Manager) RunEviction() {
	if m.store == nil {
		slog.Error("Store not initialized")
		return
	}
	errutil.ReportError(m.store.Trim(), "Eviction run failed")
}
