package objectstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs minibatch blobs and checkpoint destinations with Redis,
// mirroring the reference system's own Redis-backed object store
// (original_source's Redis.cpp / RedisIterator.cpp kept a blob-per-key
// layout identical to the S3 adapter's). Redis has no bucket concept, so
// bucket and key are joined into one Redis key.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(bucket, key string) string {
	return bucket + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(bucket, key)).Bytes()
	if err != nil {
		return nil, &ObjectStoreError{Op: "get", Key: key, Cause: err}
	}
	return data, nil
}

// GetRange uses Redis's GETRANGE, which takes an inclusive end offset;
// [lo, hi) is translated to [lo, hi-1].
func (s *RedisStore) GetRange(ctx context.Context, bucket, key string, lo, hi int64) ([]byte, error) {
	data, err := s.client.GetRange(ctx, redisKey(bucket, key), lo, hi-1).Result()
	if err != nil {
		return nil, &ObjectStoreError{Op: "get_range", Key: key, Cause: err}
	}
	return []byte(data), nil
}

func (s *RedisStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := s.client.Set(ctx, redisKey(bucket, key), data, 0).Err(); err != nil {
		return &ObjectStoreError{Op: "put", Key: key, Cause: err}
	}
	return nil
}
