package imagecache

// TierStats describes one tier. Capacity is -1 for an unbounded tier.
type TierStats struct {
	Bytes     int64  `json:"bytes"`
	Capacity  int64  `json:"capacity"`
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Evictions uint64 `json:"evictions"`
}

type Stats struct {
	State     string     `json:"state"`
	Directory string     `json:"directory"`
	Memory    TierStats  `json:"memory"`
	Disk      *TierStats `json:"disk,omitempty"`
	Misses    uint64     `json:"misses"`
}

// Stats is a point-in-time view of both tiers. Disk is nil while the disk
// tier is not open.
func (c *Cache[V]) Stats() Stats {
	st := Stats{
		State:     c.State().String(),
		Directory: c.cfg.Directory,
		Memory: TierStats{
			Bytes:     c.memory.Size(),
			Capacity:  c.memory.Capacity(),
			Entries:   c.memory.Len(),
			Hits:      c.memoryHits.Load(),
			Evictions: c.memory.EvictionCount(),
		},
		Misses: c.misses.Load(),
	}
	if disk := c.currentDisk(); disk != nil {
		st.Disk = &TierStats{
			Bytes:     disk.Size(),
			Capacity:  disk.Capacity(),
			Entries:   disk.Len(),
			Hits:      c.diskHits.Load(),
			Evictions: disk.EvictionCount(),
		}
	}
	return st
}
