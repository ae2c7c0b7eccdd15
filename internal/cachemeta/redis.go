package cachemeta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisIndex is the `database` storage mode for Cache Handles, grounded
// on the teacher's redis usage for short-lived config/session caching:
// cache handles are short-lived by nature, so Redis's native EXPIRE maps
// directly onto expires_at without a separate sweep needing to delete the
// key itself (only the upstream side needs an explicit best-effort call).
type RedisIndex struct {
	client   *redis.Client
	prefix   string
	deleter  Deleter
	resolver KeySecretResolver
}

// NewRedisIndex connects to addr/db with key prefix prefix (e.g.
// "cachemeta:").
func NewRedisIndex(addr, password string, db int, prefix string, deleter Deleter, resolver KeySecretResolver) *RedisIndex {
	return &RedisIndex{
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix:   prefix,
		deleter:  deleter,
		resolver: resolver,
	}
}

func (r *RedisIndex) localKey(localID string) string  { return r.prefix + "id:" + localID }
func (r *RedisIndex) contentKey(credential, hash string) string {
	return r.prefix + "content:" + credential + ":" + hash
}

func (r *RedisIndex) FindByContent(credential, contentHash string) (*Handle, bool, error) {
	ctx := context.Background()
	localID, err := r.client.Get(ctx, r.contentKey(credential, contentHash)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r.Get(localID)
}

func (r *RedisIndex) Register(credential, contentHash, upstreamCacheID, owningKeyID string, expiresAt time.Time) (*Handle, error) {
	h := &Handle{
		LocalID:         uuid.NewString(),
		UpstreamCacheID: upstreamCacheID,
		ContentHash:     contentHash,
		OwningKeyID:     owningKeyID,
		Credential:      credential,
		CreatedAt:       time.Now(),
		ExpiresAt:       expiresAt,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ctx := context.Background()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.localKey(h.LocalID), data, ttl)
	pipe.Set(ctx, r.contentKey(credential, contentHash), h.LocalID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *RedisIndex) Get(localID string) (*Handle, bool, error) {
	data, err := r.client.Get(context.Background(), r.localKey(localID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, false, err
	}
	return &h, true, nil
}

func (r *RedisIndex) OwningKey(localID string) (string, bool, error) {
	h, ok, err := r.Get(localID)
	if err != nil || !ok {
		return "", ok, err
	}
	return h.OwningKeyID, true, nil
}

// ListByCredential scans for local keys and filters by credential; Redis
// has no secondary index here, matching the teacher's Keys()-based
// List implementation in RedisBackend for the same reason (cache handle
// volume per credential is small).
func (r *RedisIndex) ListByCredential(credential string) ([]Handle, error) {
	ctx := context.Background()
	keys, err := r.client.Keys(ctx, r.prefix+"id:*").Result()
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, k := range keys {
		data, err := r.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var h Handle
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		if h.Credential == credential {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *RedisIndex) Delete(localID string) error {
	h, ok, err := r.Get(localID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	r.client.Del(ctx, r.localKey(localID))
	if ok {
		r.client.Del(ctx, r.contentKey(h.Credential, h.ContentHash))
		r.bestEffortUpstreamDelete(h)
	}
	return nil
}

func (r *RedisIndex) MarkExpired(localID string) error {
	h, ok, err := r.Get(localID)
	if err != nil || !ok {
		return err
	}
	h.ExpiresAt = time.Now().Add(-time.Second)
	data, _ := json.Marshal(h)
	return r.client.Set(context.Background(), r.localKey(localID), data, time.Second).Err()
}

// SweepExpired is a near-no-op: Redis's own TTL already evicts expired
// handles. It exists so callers (the Scheduler) have one uniform
// interface regardless of storage mode; here it is a best-effort
// upstream cleanup pass is unnecessary since Redis keys expiring does not
// trigger a callback this package can observe without keyspace
// notifications, which the teacher's deployment does not enable.
func (r *RedisIndex) SweepExpired() (int, error) {
	log.Debug("cachemeta: redis index relies on native TTL, sweep is a no-op")
	return 0, nil
}

func (r *RedisIndex) bestEffortUpstreamDelete(h *Handle) {
	if r.deleter == nil || r.resolver == nil || h.UpstreamCacheID == "" {
		return
	}
	secret, ok := r.resolver(h.OwningKeyID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deleter.DeleteCache(ctx, secret, h.UpstreamCacheID); err != nil {
		log.WithError(err).WithField("local_id", h.LocalID).Warn("cachemeta: best-effort upstream cache delete failed")
	}
}
