package usage

import (
	"context"
	"encoding/json"

	"aikeyproxy/internal/storage"
)

const usageNamespace = "usage_counters"

// BackendStorage adapts a generic storage.Backend into the Tracker's
// narrower Storage interface.
type BackendStorage struct {
	backend storage.Backend
}

// NewBackendStorage wraps backend for use as a Tracker Storage.
func NewBackendStorage(backend storage.Backend) *BackendStorage {
	return &BackendStorage{backend: backend}
}

func (b *BackendStorage) LoadCounters(ctx context.Context) (map[string]PersistedCounter, error) {
	raw, err := b.backend.List(ctx, usageNamespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PersistedCounter, len(raw))
	for key, data := range raw {
		var pc PersistedCounter
		if err := json.Unmarshal(data, &pc); err != nil {
			continue
		}
		out[key] = pc
	}
	return out, nil
}

func (b *BackendStorage) SaveCounters(ctx context.Context, counters map[string]PersistedCounter) error {
	for key, pc := range counters {
		data, err := json.Marshal(pc)
		if err != nil {
			return err
		}
		if err := b.backend.Set(ctx, usageNamespace, key, data); err != nil {
			return err
		}
	}
	return nil
}
