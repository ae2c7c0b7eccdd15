// Package storage defines the small generic key-value Backend the Usage
// Tracker and the key pool Store use for cross-restart persistence, plus concrete
// Postgres/Redis/MongoDB implementations. Trimmed down from the teacher's
// much larger internal/storage.Backend (credential/config/cache/usage/
// transaction/export surface) to the single config get/set/delete/list
// surface this domain actually exercises; Context Store and Cache
// Metadata Index have their own, more specific storage interfaces
// (internal/contextstore, internal/cachemeta) rather than going through
// this generic one.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a generic namespaced key-value store for small JSON-ish
// blobs: usage counters, routing/cooldown snapshots, scheduler
// checkpoints. It deliberately does not model credentials or caches —
// those have dedicated stores.
type Backend interface {
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)
}
