package cachemeta

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MemoryIndex is the in-process Cache Metadata Index, used when
// cache.enabled is true but no Redis address is configured.
type MemoryIndex struct {
	mu      sync.RWMutex
	byLocal map[string]*Handle
	// byContent keys on credential+contentHash so FindByContent is O(1);
	// the value is the local_id, looked up through byLocal.
	byContent map[string]string

	deleter  Deleter
	resolver KeySecretResolver
}

// KeySecretResolver resolves a pooled key's id to the bearer secret the
// Provider needs to authenticate the upstream delete call; the Index
// itself only ever stores the id, per the design note breaking the
// Handle/Key cycle.
type KeySecretResolver func(keyID string) (secret string, ok bool)

// NewMemoryIndex builds an empty index. deleter/resolver may both be nil,
// in which case Delete/SweepExpired only drop the local record.
func NewMemoryIndex(deleter Deleter, resolver KeySecretResolver) *MemoryIndex {
	return &MemoryIndex{
		byLocal:   make(map[string]*Handle),
		byContent: make(map[string]string),
		deleter:   deleter,
		resolver:  resolver,
	}
}

func contentKey(credential, hash string) string {
	return credential + "\x00" + hash
}

func (idx *MemoryIndex) FindByContent(credential, contentHash string) (*Handle, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	localID, ok := idx.byContent[contentKey(credential, contentHash)]
	if !ok {
		return nil, false, nil
	}
	h, ok := idx.byLocal[localID]
	if !ok || time.Now().After(h.ExpiresAt) {
		return nil, false, nil
	}
	cp := *h
	return &cp, true, nil
}

func (idx *MemoryIndex) Register(credential, contentHash, upstreamCacheID, owningKeyID string, expiresAt time.Time) (*Handle, error) {
	h := &Handle{
		LocalID:         uuid.NewString(),
		UpstreamCacheID: upstreamCacheID,
		ContentHash:     contentHash,
		OwningKeyID:     owningKeyID,
		Credential:      credential,
		CreatedAt:       time.Now(),
		ExpiresAt:       expiresAt,
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byLocal[h.LocalID] = h
	idx.byContent[contentKey(credential, contentHash)] = h.LocalID
	cp := *h
	return &cp, nil
}

func (idx *MemoryIndex) OwningKey(localID string) (string, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.byLocal[localID]
	if !ok {
		return "", false, nil
	}
	return h.OwningKeyID, true, nil
}

func (idx *MemoryIndex) Get(localID string) (*Handle, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.byLocal[localID]
	if !ok {
		return nil, false, nil
	}
	cp := *h
	return &cp, true, nil
}

func (idx *MemoryIndex) ListByCredential(credential string) ([]Handle, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []Handle
	for _, h := range idx.byLocal {
		if h.Credential == credential {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (idx *MemoryIndex) Delete(localID string) error {
	idx.mu.Lock()
	h, ok := idx.byLocal[localID]
	if ok {
		delete(idx.byLocal, localID)
		delete(idx.byContent, contentKey(h.Credential, h.ContentHash))
	}
	idx.mu.Unlock()
	if !ok {
		return nil
	}
	idx.bestEffortUpstreamDelete(h)
	return nil
}

// MarkExpired moves the expiry into the past without touching the upstream handle; used
// when the owning key is disabled and the handle becomes unusable but the
// upstream blob itself may still be valid under a different key (spec
// §4.4 invariant).
func (idx *MemoryIndex) MarkExpired(localID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	h, ok := idx.byLocal[localID]
	if !ok {
		return nil
	}
	h.ExpiresAt = time.Now().Add(-time.Second)
	return nil
}

func (idx *MemoryIndex) SweepExpired() (int, error) {
	now := time.Now()
	idx.mu.Lock()
	var expired []*Handle
	for id, h := range idx.byLocal {
		if now.After(h.ExpiresAt) {
			expired = append(expired, h)
			delete(idx.byLocal, id)
			delete(idx.byContent, contentKey(h.Credential, h.ContentHash))
		}
	}
	idx.mu.Unlock()
	for _, h := range expired {
		idx.bestEffortUpstreamDelete(h)
	}
	return len(expired), nil
}

func (idx *MemoryIndex) bestEffortUpstreamDelete(h *Handle) {
	if idx.deleter == nil || idx.resolver == nil || h.UpstreamCacheID == "" {
		return
	}
	secret, ok := idx.resolver(h.OwningKeyID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := idx.deleter.DeleteCache(ctx, secret, h.UpstreamCacheID); err != nil {
		log.WithError(err).WithField("local_id", h.LocalID).Warn("cachemeta: best-effort upstream cache delete failed")
	}
}
