// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lock

import (
	"context"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lease only when the stored token matches, so a
// holder whose lease already expired and was re-granted cannot release the
// new holder's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by a shared Redis instance, for deployments
// running more than one coordinator process against the same store. Leases
// use SET NX PX, so expiry is enforced by Redis itself.
type RedisLocker struct {
	client         *redis.Client
	prefix         string
	acquireTimeout time.Duration
	log            cotx.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker. A non-positive acquireTimeout
// selects DefaultAcquireTimeout.
func NewRedisLocker(client *redis.Client, prefix string, acquireTimeout time.Duration, log cotx.Logger) *RedisLocker {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &RedisLocker{
		client:         client,
		prefix:         prefix,
		acquireTimeout: acquireTimeout,
		log:            log,
	}
}

func (r *RedisLocker) key(key string) string {
	return r.prefix + key
}

// Acquire implements Locker.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := NewToken()
	deadline := time.Now().Add(r.acquireTimeout)
	for {
		ok, err := r.client.SetNX(ctx, r.key(key), string(token), ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", cotx.NewError(ErrAcquireTimeout, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release implements Locker.
func (r *RedisLocker) Release(key string, token Token) error {
	// Release must not block on a canceled request context; give it its own
	// short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, string(token)).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}
