package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/santarrsgrotto/readarr-server/internal/lock"
)

// DefaultLockTTL bounds how long a crashed holder can keep the lock.
const DefaultLockTTL = 12 * time.Hour

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TokenSource produces unique lock ownership tokens.
type TokenSource interface {
	NewToken() (string, error)
}

// Lock implements lock.Lock with SET NX PX and a token-checked delete.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	tokens TokenSource
}

// NewLock builds a lock stored at prefix+"lock:sync-run".
func NewLock(client redis.UniversalClient, prefix string, ttl time.Duration, tokens TokenSource) (*Lock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{client: client, key: prefix + "lock:sync-run", ttl: ttl, tokens: tokens}, nil
}

// TryAcquire returns lock.ErrLocked when the key is already set.
func (l *Lock) TryAcquire(ctx context.Context) (lock.Release, error) {
	token, err := l.tokens.NewToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, lock.ErrLocked
	}
	return func(ctx context.Context) error {
		deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", l.key, err)
		}
		if deleted == 0 {
			return fmt.Errorf("redis lock %s expired before release", l.key)
		}
		return nil
	}, nil
}
