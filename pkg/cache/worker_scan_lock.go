package cache

import (
	"context"
	"fmt"
	"time"

	"billscan_worker/core/port/out"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const scanLockPrefix = "billing:scan:lock:"

// deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisScanLock is a per-user mutex across workers.
type RedisScanLock struct {
	client redis.UniversalClient
}

func NewRedisScanLock(client redis.UniversalClient) *RedisScanLock {
	return &RedisScanLock{client: client}
}

func scanLockKey(userID uuid.UUID) string {
	return scanLockPrefix + userID.String()
}

// Acquire takes the lock for ttl. The returned release is safe to call after
// the lock expired and was taken by someone else.
func (l *RedisScanLock) Acquire(ctx context.Context, userID uuid.UUID, ttl time.Duration) (func(context.Context) error, error) {
	key := scanLockKey(userID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		return nil, out.ErrScanInProgress
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release scan lock: %w", err)
		}
		return nil
	}
	return release, nil
}

var _ out.ScanLock = (*RedisScanLock)(nil)
