package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// only delete the key if we still own it
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisOptions contains the configuration for RedisLocker
type RedisOptions struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger

	Prefix string        // prepended to every key
	TTL    time.Duration // lease of a held lock in case the holder dies
	Retry  time.Duration // poll interval while waiting
}

// RedisLocker is a Locker shared by every process connected to the same Redis
type RedisLocker struct {
	RedisOptions
}

var _ Locker = &RedisLocker{}

// NewRedisLocker returns a Locker backed by Redis
func NewRedisLocker(option RedisOptions) (*RedisLocker, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.Prefix) == 0 {
		option.Prefix = "ctfinstancer:lock:"
	}
	if option.TTL <= 0 {
		option.TTL = time.Minute
	}
	if option.Retry <= 0 {
		option.Retry = 50 * time.Millisecond
	}
	return &RedisLocker{
		RedisOptions: option,
	}, nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(r.Retry)
	defer ticker.Stop()

	for {
		ok, err := r.Redis.SetNX(redisKey, token, r.TTL).Result()
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot acquire lock")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		if err := unlockScript.Run(r.Redis, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			r.Logger.Error("Cannot release lock",
				zap.String("Key", redisKey),
				zap.Error(err),
			)
		}
	}, nil
}
