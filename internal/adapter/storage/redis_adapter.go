package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix = "stock:"
	lockKeyPrefix  = "lock:"
)

// setStockScript stores stock and version in a hash, refusing versions that
// are not newer than the cached one so out-of-order writers cannot regress
// the displayed stock.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local stock = ARGV[1]
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'stock', stock, 'version', version)
return 1
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetStock(ctx context.Context, itemID string, stock int, version int64) error {
	key := stockKeyPrefix + itemID
	return setStockScript.Run(ctx, r.client, []string{key}, stock, version).Err()
}

func (r *RedisAdapter) GetStock(ctx context.Context, itemID string) (int, bool, error) {
	key := stockKeyPrefix + itemID

	stock, err := r.client.HGet(ctx, key, "stock").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return stock, true, nil
}

func (r *RedisAdapter) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseLockScript.Run(ctx, r.client, []string{lockKeyPrefix + key}, owner).Err()
}
