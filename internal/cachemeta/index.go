// Package cachemeta maps a content hash to the upstream-managed cached
// content blob it produced, and records which pooled key owns the
// handle (spec.md §3 Cache Handle, §4.4 Cache Metadata Index). Storage
// split (in-memory map vs. Redis with native TTL) mirrors the design
// note's "break the cyclic relationship" fix: a Handle only ever points
// at its owning key by id, never the reverse.
package cachemeta

import (
	"context"
	"time"
)

// Handle is a local record pointing at an upstream-managed cached content
// blob, pinned to the key that created it.
type Handle struct {
	LocalID          string    `json:"local_id"`
	UpstreamCacheID  string    `json:"upstream_cache_id"`
	ContentHash      string    `json:"content_hash"`
	OwningKeyID      string    `json:"owning_key_id"`
	Credential       string    `json:"credential"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Deleter best-effort deletes the upstream handle when a local record is
// removed (explicit delete or TTL sweep). Implemented by the upstream
// Provider; kept as a narrow interface here so cachemeta does not import
// the whole provider surface.
type Deleter interface {
	DeleteCache(ctx context.Context, keySecret, upstreamCacheID string) error
}

// Index is the Cache Metadata Index contract (spec §4.4).
type Index interface {
	FindByContent(credential, contentHash string) (*Handle, bool, error)
	Register(credential, contentHash, upstreamCacheID, owningKeyID string, expiresAt time.Time) (*Handle, error)
	OwningKey(localID string) (string, bool, error)
	Get(localID string) (*Handle, bool, error)
	ListByCredential(credential string) ([]Handle, error)
	Delete(localID string) error
	// MarkExpired immediately invalidates a handle without attempting the
	// upstream delete, used when the owning key becomes ineligible
	// (spec §4.4 invariant: an orphaned handle MUST be marked expired).
	MarkExpired(localID string) error
	SweepExpired() (int, error)
}
