package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Locker serializes broker processing per execution. Multiple broker
// replicas may poll the same queue; the lock guarantees at most one of them
// folds and decides for a given execution at a time.
type Locker interface {
	// TryLock attempts to take the per-execution lock without blocking.
	// On success it returns a release function and true.
	TryLock(ctx context.Context, executionID string) (func(), bool, error)
}

// MemLocker is a process-local Locker for tests and single-broker runs.
type MemLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemLocker creates an empty in-process locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: make(map[string]bool)}
}

// TryLock implements Locker.
func (l *MemLocker) TryLock(ctx context.Context, executionID string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[executionID] {
		return nil, false, nil
	}
	l.held[executionID] = true

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, executionID)
	}
	return release, true, nil
}

// PGLocker uses PostgreSQL session advisory locks to serialize executions
// across broker replicas. Each held lock pins one pooled connection for its
// duration.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker creates an advisory-lock based locker on the given pool.
func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

// TryLock implements Locker.
func (l *PGLocker) TryLock(ctx context.Context, executionID string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, executionID).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on the same session that took the lock. A failed unlock
		// is resolved when the connection closes.
		_, _ = conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock(hashtext($1))`, executionID)
		conn.Release()
	}
	return release, true, nil
}

// RedisLocker serializes executions across broker replicas with SET NX
// leases. The TTL bounds how long a crashed holder can block an execution.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed locker. A non-positive ttl defaults
// to one minute.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

var redisUnlock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, executionID string) (func(), bool, error) {
	key := "noetl:lock:" + executionID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Delete only if we still hold the lease; an expired-and-retaken
		// key belongs to someone else.
		_ = redisUnlock.Run(context.Background(), l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
