// Package repo holds the key-value backends the conversation store and the
// settings manager persist their JSON documents into.
package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/mathsolver/core/internal/chat/model"
	errx "github.com/mathsolver/core/internal/core/error"
	pkgredis "github.com/mathsolver/core/pkg/redis"
)

// KV is a flat document store. Get returns errx.ErrNotFound for missing keys
// and Set returns errx.ErrQuotaExceeded when the value does not fit.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func quotaError(key string, size, quota int) error {
	return errx.New(
		fmt.Errorf("%w: %q needs %d bytes, quota is %d", errx.ErrQuotaExceeded, key, size, quota),
		errx.KindPersistence,
		errx.StorageErrorMessage,
	)
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg model.StorageConfig, redisCfg pkgredis.Config) (KV, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return NewMemoryKV(cfg.QuotaBytes), nil
	case "redis":
		rdb, err := redisCfg.New(ctx)
		if err != nil {
			return nil, errx.WrapRedis(err)
		}
		return NewRedisKV(rdb, cfg.QuotaBytes), nil
	case "sqlite", "":
		return NewSQLiteKV(ctx, cfg.SQLitePath, cfg.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
