package keypool

import (
	"context"
	"encoding/json"
	"time"

	"aikeyproxy/internal/storage"
)

const keyNamespace = "upstream_keys"

// persistedKey is the durable projection of a Key record, used in
// database storage mode (MongoDB, per config.KeyPoolConfig.StorageMode).
type persistedKey struct {
	ID                       string    `json:"id"`
	Secret                   string    `json:"secret"`
	Description              string    `json:"description"`
	Enabled                  bool      `json:"enabled"`
	CreatedAt                time.Time `json:"created_at"`
	ExpiresAt                time.Time `json:"expires_at,omitempty"`
	ContextCompletionEnabled bool      `json:"context_completion_enabled"`
	LastUsedAt               time.Time `json:"last_used_at,omitempty"`
	DisabledReason           string    `json:"disabled_reason,omitempty"`
}

// Store persists the pool's key set to a generic storage.Backend
// (MongoDB in production, per SPEC_FULL's domain-stack wiring — the pool
// itself is an admin-managed record set, not a high-churn counter, so a
// document store fits better than the Redis/Postgres stores used
// elsewhere).
type Store struct {
	backend storage.Backend
}

// NewStore wraps backend for key persistence.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Save upserts a single key's admin-managed fields (not its transient
// cooldown/score state, which is intentionally not durable).
func (s *Store) Save(ctx context.Context, k *Key) error {
	k.mu.RLock()
	pk := persistedKey{
		ID:                       k.ID,
		Secret:                   k.Secret,
		Description:              k.Description,
		Enabled:                  k.Enabled,
		CreatedAt:                k.CreatedAt,
		ExpiresAt:                k.ExpiresAt,
		ContextCompletionEnabled: k.ContextCompletionEnabled,
		LastUsedAt:               k.LastUsedAt,
		DisabledReason:           k.disabledReason,
	}
	k.mu.RUnlock()
	data, err := json.Marshal(pk)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, keyNamespace, pk.ID, data)
}

// Delete removes a key's persisted record (admin delete — destroys it).
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, keyNamespace, id)
}

// LoadAll reconstructs every persisted key as a fresh in-memory Key with
// its transient state zeroed (cooldowns/failure weight do not survive a
// restart by design).
func (s *Store) LoadAll(ctx context.Context) ([]*Key, error) {
	raw, err := s.backend.List(ctx, keyNamespace)
	if err != nil {
		return nil, err
	}
	out := make([]*Key, 0, len(raw))
	for _, data := range raw {
		var pk persistedKey
		if err := json.Unmarshal(data, &pk); err != nil {
			continue
		}
		k := NewKey(pk.ID, pk.Secret, pk.Description, pk.ContextCompletionEnabled)
		k.Enabled = pk.Enabled
		k.CreatedAt = pk.CreatedAt
		k.ExpiresAt = pk.ExpiresAt
		k.LastUsedAt = pk.LastUsedAt
		if !pk.Enabled {
			k.state = StateDisabled
			k.disabledReason = pk.DisabledReason
		}
		out = append(out, k)
	}
	return out, nil
}
