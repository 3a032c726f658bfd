package stores

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheStore implements rls.CacheStore on Redis (key: rlscache:{key}),
// letting multiple engine instances share resolved rulesets.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCacheStore(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{client: client, prefix: "rlscache:"}
}

func (r *RedisCacheStore) Get(key string) ([]byte, bool) {
	b, err := r.client.Get(context.Background(), r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (r *RedisCacheStore) Set(key string, value []byte, ttl time.Duration) {
	_ = r.client.Set(context.Background(), r.prefix+key, value, ttl).Err()
}

func (r *RedisCacheStore) Delete(key string) {
	_ = r.client.Del(context.Background(), r.prefix+key).Err()
}

// Flush removes every cached entry under the prefix.
func (r *RedisCacheStore) Flush() {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = r.client.Del(ctx, iter.Val()).Err()
	}
}
