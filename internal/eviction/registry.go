package eviction

import (
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
)

// ErrUnknownStrategy is returned by GetStrategy for unregistered names.
var ErrUnknownStrategy = errors.New(errors.CodeInvalidConfig, "eviction strategy not found")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Strategy)
)

// Register registers a new eviction strategy factory.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetStrategy returns a new instance of the strategy with the given name.
func GetStrategy(name string) (Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, errors.CodeInvalidConfig, "strategy %q", name)
	}
	return factory(), nil
}

// Names lists the registered strategies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
