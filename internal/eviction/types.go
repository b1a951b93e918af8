package eviction

// Victim is an entry chosen for eviction.
type Victim struct {
	Key  string
	Size int64
}

// Strategy orders cache entries for eviction.
type Strategy interface {
	// OnAdd is called when an entry is stored or replaced.
	// It returns the change in total size managed by the strategy (e.g., if key is new, returns size; if updated, returns diff).
	OnAdd(key string, size int64) int64

	// OnAccess is called when an entry is read.
	OnAccess(key string)

	// GetVictims returns the entries to evict, first victim first, to bring
	// currentSize down to targetSize. A negative target returns every entry.
	GetVictims(currentSize int64, targetSize int64) []Victim

	// Remove drops a key and returns the size it was tracked with.
	Remove(key string) int64

	// Reset drops every key.
	Reset()
}

// Store is the storage a Manager trims.
type Store interface {
	// Trim evicts entries until every policy of the store's manager is satisfied.
	Trim() error
}
