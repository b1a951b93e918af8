package hashutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
)

// ErrUnsupportedAlgorithm is returned for hash names that were never registered.
var ErrUnsupportedAlgorithm = errors.New(errors.CodeInvalidConfig, "unsupported hash algorithm")

type HashFactory func() hash.Hash

var (
	mu       sync.RWMutex
	registry = map[string]HashFactory{
		"sha1":   sha1.New,
		"sha256": sha256.New,
		"sha512": sha512.New,
	}
)

func Register(name string, factory HashFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

func GetHasher(name string) (hash.Hash, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, errors.CodeInvalidConfig, "hash %q", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names lists the registered algorithms in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeyName maps an arbitrary cache key to a fixed length, filesystem safe
// name: the lowercase hex digest of the key under algo.
func KeyName(algo, key string) (string, error) {
	h, err := GetHasher(algo)
	if err != nil {
		return "", err
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil)), nil
}
