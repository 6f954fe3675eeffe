// Package lock provides named, time-leased mutual exclusion. The lease bounds
// the damage of a crashed holder: the lock frees itself once the lease expires
// even if Release never runs.
package lock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed release.lua
var releaseScript string

// ErrNotAcquired means another holder owns the name right now.
var ErrNotAcquired = errors.New("lock not acquired")

type Manager interface {
	Acquire(ctx context.Context, name string, lease time.Duration) (*Lease, error)
}

// RedisManager implements leased named locks with SET NX PX. The lock is a
// latency optimization in front of the idempotency ledger's unique constraint,
// not the source of truth for mutual exclusion.
type RedisManager struct {
	rdb        *redis.Client
	maxNameLen int
}

func NewRedisManager(rdb *redis.Client, maxNameLen int) *RedisManager {
	return &RedisManager{rdb: rdb, maxNameLen: maxNameLen}
}

func (m *RedisManager) Acquire(ctx context.Context, name string, lease time.Duration) (*Lease, error) {
	key := "lock:" + Truncate(name, m.maxNameLen)
	token := uuid.NewString()

	ok, err := m.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{rdb: m.rdb, key: key, token: token}, nil
}

// Lease is a held lock. Release is best-effort; on failure the TTL still frees
// the name.
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.rdb == nil {
		return
	}
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		slog.Warn("lock: release failed, lease expiry will free it", "key", l.key, "error", err)
	}
}

// HistoryCreateName derives the lock name for serializing keyless history
// creation for one patient.
func HistoryCreateName(patientID int64) string {
	return fmt.Sprintf("history_create_%d", patientID)
}

// Truncate caps a lock name at max bytes to respect backing-store identifier
// limits. Non-positive max means no limit.
func Truncate(name string, max int) string {
	if max <= 0 || len(name) <= max {
		return name
	}
	return name[:max]
}
