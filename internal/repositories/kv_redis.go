package repositories

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 100

// RedisKVStore shares one store between every client process pointed at the
// same Redis database. Concurrent writers are last-writer-wins.
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN and fetches the values with one MGET per batch.
func (r *RedisKVStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, escapeGlob(prefix)+"*", redisScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
		}

		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to get scanned keys: %w", err)
			}
			for i, v := range values {
				// Deleted between SCAN and MGET
				if v == nil {
					continue
				}
				if s, ok := v.(string); ok {
					out[keys[i]] = []byte(s)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
