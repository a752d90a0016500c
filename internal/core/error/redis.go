package errx

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors onto the storage sentinels. An OOM reply from a
// server running with maxmemory is reported as ErrQuotaExceeded so the
// conversation store can prune and retry.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return New(ErrNotFound, KindPersistence, RedisErrorMessage)
	}

	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "OOM") {
		return New(errors.Join(ErrQuotaExceeded, err), KindPersistence, RedisErrorMessage)
	}

	return New(err, KindPersistence, RedisErrorMessage)
}
