package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReconcileLockKey builds redis keys for reconciliation critical sections.
func ReconcileLockKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("reconcile:session:%s:lock", sessionID)
}

// SessionLock serialises matching operations per reconciliation session using
// a redis SETNX lease. Best effort: the lease expires after TTL so a crashed
// holder cannot wedge the session.
type SessionLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionLock constructs a SessionLock with the given lease duration.
func NewSessionLock(client *redis.Client, ttl time.Duration) *SessionLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SessionLock{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire claims the lock and returns a release function. Returns ErrLockHeld
// when another caller already holds the key.
func (l *SessionLock) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
