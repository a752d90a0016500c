package repo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mathsolver/core/internal/chat/model"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
	pkgredis "github.com/mathsolver/core/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logx.Disable()
	m.Run()
}

type backend struct {
	name string
	open func(t *testing.T, quota int) KV
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, quota int) KV { return NewMemoryKV(quota) }},
		{"sqlite", func(t *testing.T, quota int) KV {
			kv, err := NewSQLiteKV(context.Background(), filepath.Join(t.TempDir(), "kv.db"), quota)
			require.NoError(t, err)
			return kv
		}},
		{"redis", func(t *testing.T, quota int) KV {
			mr := miniredis.RunT(t)
			return NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}), quota)
		}},
	}
}

func TestKV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			kv := b.open(t, 0)
			defer kv.Close()

			_, err := kv.Get(ctx, "missing")
			assert.True(t, errors.Is(err, errx.ErrNotFound), "got %v", err)

			require.NoError(t, kv.Set(ctx, "doc", []byte(`{"a":1}`)))
			got, err := kv.Get(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(got))

			require.NoError(t, kv.Set(ctx, "doc", []byte(`{"a":2}`)))
			got, err = kv.Get(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, string(got))

			require.NoError(t, kv.Delete(ctx, "doc"))
			_, err = kv.Get(ctx, "doc")
			assert.True(t, errors.Is(err, errx.ErrNotFound))

			// deleting a missing key is not an error
			assert.NoError(t, kv.Delete(ctx, "doc"))
		})
	}
}

func TestKV_Quota(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			kv := b.open(t, 16)
			defer kv.Close()

			require.NoError(t, kv.Set(ctx, "small", []byte("0123456789")))

			err := kv.Set(ctx, "big", []byte(strings.Repeat("x", 17)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errx.ErrQuotaExceeded), "got %v", err)
			assert.True(t, errx.IsKind(err, errx.KindPersistence))

			_, err = kv.Get(ctx, "big")
			assert.True(t, errors.Is(err, errx.ErrNotFound), "rejected write must not be stored")
		})
	}
}

func TestMemoryKV_QuotaCountsAllKeys(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV(20)

	require.NoError(t, kv.Set(ctx, "a", []byte("0123456789")))
	require.NoError(t, kv.Set(ctx, "b", []byte("0123456789")))
	assert.True(t, errors.Is(kv.Set(ctx, "c", []byte("x")), errx.ErrQuotaExceeded))

	// overwriting a key only counts its new size
	require.NoError(t, kv.Set(ctx, "a", []byte("012345678")))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), modelStorage("tape"), redisDefaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tape")
}

func TestOpen_Memory(t *testing.T) {
	kv, err := Open(context.Background(), modelStorage("memory"), redisDefaults())
	require.NoError(t, err)
	_, ok := kv.(*MemoryKV)
	assert.True(t, ok)
}

func modelStorage(backend string) model.StorageConfig {
	return model.StorageConfig{Backend: backend, Namespace: "test_"}
}

func redisDefaults() pkgredis.Config {
	return pkgredis.Config{URL: "redis://localhost:6379/0"}
}
