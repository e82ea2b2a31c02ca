package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"risk-auth-service/internal/client"
	"risk-auth-service/internal/util"
)

const identityLockPrefix = "identity_lock:"

var releaseScript = goredis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// IdentityLocker serializes challenge transitions for one identity across
// replicas. The TTL bounds how long a crashed holder can block others.
type IdentityLocker struct {
	client *client.RedisClient
	ttl    time.Duration
	retry  time.Duration
}

func NewIdentityLocker(c *client.RedisClient, ttl time.Duration) *IdentityLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &IdentityLocker{client: c, ttl: ttl, retry: 20 * time.Millisecond}
}

// Lock spins on SET NX until it wins or ctx ends.
func (l *IdentityLocker) Lock(ctx context.Context, identity string) (func(), error) {
	key := identityLockPrefix + identity
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire identity lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := l.client.RunScript(rctx, releaseScript, []string{key}, token); err != nil {
			util.Warn("Failed to release identity lock; it will expire",
				zap.String("identity", util.Redact(identity)),
				zap.Duration("ttl", l.ttl),
				zap.Error(err))
		}
	}, nil
}
