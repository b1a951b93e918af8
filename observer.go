package imagecache

// Tier names one level of the cache.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Observer receives cache events. Evicted may be called with a store lock
// held, so implementations must not call back into the cache.
type Observer interface {
	Hit(tier Tier)
	Miss()
	Evicted(tier Tier, key string)
	DiskError(op string, err error)
}

type nopObserver struct{}

func (nopObserver) Hit(Tier)                {}
func (nopObserver) Miss()                   {}
func (nopObserver) Evicted(Tier, string)    {}
func (nopObserver) DiskError(string, error) {}
