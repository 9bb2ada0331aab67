package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript releases the key only if this holder's token still owns it,
// so an expired lock reacquired by another worker is never deleted from under
// them.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisProvider implements Provider with SET NX PX. It is the second guard
// layered over the Postgres advisory lock in multi-process deployments.
//
// Failure policy is permissive: if Redis is unreachable the lock is granted,
// since the advisory lock still provides mutual exclusion and a dead Redis
// must not halt delivery.
type RedisProvider struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisProvider creates a RedisProvider over a connected client.
func NewRedisProvider(client redis.UniversalClient, logger *slog.Logger) *RedisProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisProvider{client: client, prefix: "duespark:lock:", logger: logger}
}

// TryLock takes the key with SET NX PX ttl. The stored value is a random
// token checked on unlock.
func (p *RedisProvider) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, func(), error) {
	redisKey := p.prefix + key
	token := uuid.NewString()

	ok, err := p.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		p.logger.Warn("redis lock unavailable, proceeding on advisory lock alone",
			"key", key, "error", err)
		return true, func() {}, nil
	}
	if !ok {
		return false, nil, nil
	}

	unlock := func() {
		// Fresh context: the caller's ctx may be done and the key should not
		// linger for the full TTL.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, p.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			p.logger.Warn("failed to release redis lock", "key", key, "error", err)
		}
	}
	return true, unlock, nil
}
