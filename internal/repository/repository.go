// Package repository defines the key/value contract shared by the cache tiers.
package repository

import (
	"context"

	"github.com/jmgilman/go/errors"
)

// ErrNotFound is returned by Get when a key has no committed value.
var ErrNotFound = errors.New(errors.CodeNotFound, "cache entry not found")

// Repository is a keyed store of values. Removing or clearing absent keys
// is not an error.
type Repository[V any] interface {
	Get(ctx context.Context, key string) (V, error)
	Put(ctx context.Context, key string, value V) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Persistent is a Repository backed by durable storage.
type Persistent[V any] interface {
	Repository[V]
	Flush() error
	Close() error
}
