package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	identityKeyPrefix = "session:identity:"
	deviceKeyPrefix   = "session:device:"
	ownerKeyPrefix    = "session:owner:"
)

// clearScript deletes the handle's device and owner keys, and the identity
// key only while it still points at the handle.
var clearScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[2])
if owner then
  local idKey = ARGV[1] .. owner
  if redis.call("GET", idKey) == ARGV[2] then
    redis.call("DEL", idKey)
  end
end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`)

// RedisRegistry shares the mappings between server instances. Entries expire
// after ttl so abandoned sessions do not accumulate.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRegistry builds a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func getOptional(ctx context.Context, client redis.UniversalClient, key string) (string, bool, error) {
	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// CheckConflict implements Registry.
func (r *RedisRegistry) CheckConflict(ctx context.Context, identity, fingerprint string) (bool, string, error) {
	prior, ok, err := getOptional(ctx, r.client, identityKeyPrefix+identity)
	if err != nil || !ok {
		return false, "", err
	}
	device, ok, err := getOptional(ctx, r.client, deviceKeyPrefix+prior)
	if err != nil {
		return false, "", err
	}
	if ok && device != fingerprint {
		return true, prior, nil
	}
	return false, "", nil
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, identity, handle, fingerprint string) error {
	prior, hadPrior, err := getOptional(ctx, r.client, identityKeyPrefix+identity)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if hadPrior && prior != handle {
			pipe.Del(ctx, deviceKeyPrefix+prior, ownerKeyPrefix+prior)
		}
		pipe.Set(ctx, identityKeyPrefix+identity, handle, r.ttl)
		pipe.Set(ctx, deviceKeyPrefix+handle, fingerprint, r.ttl)
		pipe.Set(ctx, ownerKeyPrefix+handle, identity, r.ttl)
		return nil
	})
	return err
}

// Clear implements Registry.
func (r *RedisRegistry) Clear(ctx context.Context, handle string) error {
	keys := []string{deviceKeyPrefix + handle, ownerKeyPrefix + handle}
	return clearScript.Run(ctx, r.client, keys, identityKeyPrefix, handle).Err()
}

// Lookup implements Registry.
func (r *RedisRegistry) Lookup(ctx context.Context, identity string) (string, bool, error) {
	return getOptional(ctx, r.client, identityKeyPrefix+identity)
}

// Active implements Registry.
func (r *RedisRegistry) Active(ctx context.Context, identity, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	current, ok, err := getOptional(ctx, r.client, identityKeyPrefix+identity)
	if err != nil || !ok {
		return false, err
	}
	return current == handle, nil
}
