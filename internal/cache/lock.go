package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a dead holder can block others.
const DefaultLockTTL = 10 * time.Second

// Lock implements distributed locking on top of the store's atomic
// set-if-absent. The TTL is the sole safety net against holder death; there
// is no fencing token, so callers must tolerate spurious contention.
type Lock struct {
	store  Store
	logger *zap.Logger
}

// NewLock creates a lock manager over the store.
func NewLock(store Store, logger *zap.Logger) *Lock {
	return &Lock{store: store, logger: logger}
}

// Acquire attempts to take the lock for key. It reports false without error
// when another holder has it.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := l.store.SetNX(ctx, LockKey(key), "1", ttl)
	if err != nil {
		l.logger.Warn("lock acquire failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return ok, nil
}

// Release drops the lock unconditionally.
func (l *Lock) Release(ctx context.Context, key string) error {
	if err := l.store.Del(ctx, LockKey(key)); err != nil {
		l.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
