// Package lock elects a single sweeper across worker processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/sqlinline"
)

// ErrNotAcquired means another process holds the lock.
var ErrNotAcquired = errors.New("lock: held elsewhere")

// Locker hands out a release func when the lock was won.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, err error)
}

// SweepLockKey is the advisory lock key for the reconciliation sweep.
const SweepLockKey = int64(0x53574550)

// Conn is a pooled session. Advisory locks belong to the session, so the
// connection stays checked out while the lock is held.
type Conn interface {
	infra.SQLExecutor
	Release()
}

type PGLocker struct {
	acquire func(ctx context.Context) (Conn, error)
	key     int64
	logger  *infra.Logger
}

func NewPGLocker(pool *pgxpool.Pool, key int64, logger *infra.Logger) *PGLocker {
	return &PGLocker{
		acquire: func(ctx context.Context) (Conn, error) { return pool.Acquire(ctx) },
		key:     key,
		logger:  infra.OrDiscard(logger),
	}
}

func (l *PGLocker) TryLock(ctx context.Context) (func(context.Context) error, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire connection: %w", err)
	}
	sql := infra.NewSQLRunner(conn, *l.logger)
	var won bool
	if err := sql.QueryRow(ctx, sqlinline.QTryAdvisoryLock, l.key).Scan(&won); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock: try advisory lock: %w", err)
	}
	if !won {
		conn.Release()
		return nil, ErrNotAcquired
	}
	return func(ctx context.Context) error {
		defer conn.Release()
		var released bool
		if err := sql.QueryRow(ctx, sqlinline.QAdvisoryUnlock, l.key).Scan(&released); err != nil {
			return fmt.Errorf("lock: advisory unlock: %w", err)
		}
		if !released {
			l.logger.Warn().Int64("key", l.key).Msg("lock: advisory lock was not held at release")
		}
		return nil
	}, nil
}

// RedisClient is the subset of go-redis the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

type RedisLocker struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

// NewRedisLocker locks with SET NX PX. ttl bounds how long a crashed holder
// blocks the others and should exceed one sweep.
func NewRedisLocker(client RedisClient, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis set nx: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("lock: redis release: %w", err)
		}
		return nil
	}, nil
}

// LocalLocker only excludes within one process, for single-node sqlite
// deployments.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) TryLock(context.Context) (func(context.Context) error, error) {
	if !l.mu.TryLock() {
		return nil, ErrNotAcquired
	}
	return func(context.Context) error {
		l.mu.Unlock()
		return nil
	}, nil
}

// Run calls fn while holding the lock. It reports false without calling fn
// when the lock is held elsewhere.
func Run(ctx context.Context, l Locker, logger *infra.Logger, fn func(context.Context) error) (bool, error) {
	release, err := l.TryLock(ctx)
	if errors.Is(err, ErrNotAcquired) {
		infra.OrDiscard(logger).Debug().Msg("lock: skipped, held by another worker")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			infra.OrDiscard(logger).Warn().Err(err).Msg("lock: release failed")
		}
	}()
	return true, fn(ctx)
}
