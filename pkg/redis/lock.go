package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker takes short-lived exclusive locks with SET NX PX.
type Locker struct {
	client redis.UniversalClient
}

// NewLocker creates a Locker.
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock. Release it when done; it also expires after its TTL.
type Lock struct {
	key    string
	token  string
	client redis.UniversalClient
}

// TryLock acquires key for ttl. It returns (nil, nil) when another holder has it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: key, token: token, client: l.client}, nil
}

// Release frees the lock if it is still ours.
func (k *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", k.key, err)
	}
	return nil
}

// Mutex is a named lock with a fixed TTL, suitable for guarding periodic jobs across instances.
type Mutex struct {
	locker *Locker
	key    string
	ttl    time.Duration
}

// Mutex returns a named lock with the given TTL.
func (l *Locker) Mutex(key string, ttl time.Duration) *Mutex {
	return &Mutex{locker: l, key: key, ttl: ttl}
}

// Acquire tries to take the lock. ok is false when another holder has it.
func (m *Mutex) Acquire(ctx context.Context) (release func(), ok bool, err error) {
	lock, err := m.locker.TryLock(ctx, m.key, m.ttl)
	if err != nil || lock == nil {
		return nil, false, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, true, nil
}
