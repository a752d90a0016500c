package repo

import (
	"context"
	"errors"

	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisKV stores each document as a plain string value. The quota applies
// per value; server-side limits (maxmemory) surface through errx.WrapRedis.
type RedisKV struct {
	rdb   redis.Cmdable
	quota int
	close func() error
}

func NewRedisKV(rdb redis.Cmdable, quotaBytes int) *RedisKV {
	kv := &RedisKV{rdb: rdb, quota: quotaBytes}
	if c, ok := rdb.(interface{ Close() error }); ok {
		kv.close = c.Close
	}
	return kv
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.ErrNotFound
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to read document from redis")
		return nil, errx.WrapRedis(err)
	}
	return b, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if r.quota > 0 && len(value) > r.quota {
		return quotaError(key, len(value), r.quota)
	}
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Int("bytes", len(value)).Msg("failed to write document to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete document from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

var _ KV = (*RedisKV)(nil)
