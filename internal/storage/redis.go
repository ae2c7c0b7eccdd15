package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend as namespace-prefixed Redis string keys,
// grounded on the teacher's redis_backend_config_cache.go prefixing
// convention.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to addr/db with an optional key prefix.
func NewRedisBackend(addr, password string, db int, prefix string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (r *RedisBackend) Initialize(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) key(namespace, key string) string {
	return r.prefix + namespace + ":" + key
}

func (r *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *RedisBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	return r.client.Set(ctx, r.key(namespace, key), value, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, namespace, key string) error {
	n, err := r.client.Del(ctx, r.key(namespace, key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	pattern := r.prefix + namespace + ":*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	prefixLen := len(r.prefix + namespace + ":")
	out := make(map[string][]byte, len(keys))
	for _, full := range keys {
		v, err := r.client.Get(ctx, full).Bytes()
		if err != nil {
			continue
		}
		out[full[prefixLen:]] = v
	}
	return out, nil
}
