package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL applies when a caller passes no TTL.
const DefaultTTL = time.Hour

// retryWait is how long a GetOrCompute waiter sleeps before re-checking.
const retryWait = 100 * time.Millisecond

// Stats are the service's lifetime counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// Service wraps the key-value store with JSON-encoded values, structured
// keys and stampede protection.
type Service struct {
	store  Store
	lock   *Lock
	logger *zap.Logger

	keyPrefix string
	lockTTL   time.Duration

	ttlMu      sync.RWMutex
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithKeyPrefix overrides the structured key prefix.
func WithKeyPrefix(prefix string) ServiceOption {
	return func(s *Service) { s.keyPrefix = prefix }
}

// WithDefaultTTL overrides the default entry TTL.
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithLockTTL overrides the stampede lock TTL.
func WithLockTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// NewService creates a cache service over the store.
func NewService(store Store, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		lock:       NewLock(store, logger),
		logger:     logger,
		keyPrefix:  DefaultKeyPrefix,
		lockTTL:    DefaultLockTTL,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildKey renders a structured key with the service prefix.
func (s *Service) BuildKey(entity, operation, identifier string) (string, error) {
	k := NewKey(entity, operation, identifier)
	k.Prefix = s.keyPrefix
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k.String(), nil
}

// DefaultTTL returns the current default entry TTL.
func (s *Service) DefaultTTL() time.Duration {
	s.ttlMu.RLock()
	defer s.ttlMu.RUnlock()
	return s.defaultTTL
}

// SetDefaultTTL adjusts the default entry TTL; used by the cache optimizer.
func (s *Service) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.ttlMu.Lock()
	s.defaultTTL = ttl
	s.ttlMu.Unlock()
}

// Get loads and decodes the value at key into out. It reports whether the
// key was present.
func (s *Service) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.errors.Add(1)
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !found {
		s.misses.Add(1)
		return false, nil
	}
	s.hits.Add(1)
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.errors.Add(1)
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set encodes and stores value at key. A non-positive TTL uses the default.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.DefaultTTL()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, string(raw), ttl); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	s.sets.Add(1)
	return nil
}

// Delete removes the key.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.store.Del(ctx, key)
}

// Exists reports key presence.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	return s.store.Exists(ctx, key)
}

// TTL returns the key's remaining lifetime.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.store.TTL(ctx, key)
}

// MGet loads several keys, decoding each present value into a raw message.
func (s *Service) MGet(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	raw, err := s.store.MGet(ctx, keys...)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// GetOrCompute returns the cached value for the structured key, computing
// it via fallback on a miss. Under concurrent demand for the same missing
// key the fallback runs at most once per lock-holder epoch: the winner of
// the key lock double-checks the store, computes, writes and releases;
// everyone else sleeps briefly and retries the whole sequence.
func (s *Service) GetOrCompute(ctx context.Context, entity, operation, identifier string, fallback func(ctx context.Context) (any, error), ttl time.Duration) (any, error) {
	key, err := s.BuildKey(entity, operation, identifier)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.DefaultTTL()
	}

	for {
		var value any
		found, err := s.Get(ctx, key, &value)
		if err != nil {
			return nil, err
		}
		if found {
			return value, nil
		}

		acquired, err := s.lock.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			return nil, err
		}
		if acquired {
			// A concurrent holder may have filled the key between our miss
			// and the lock grant.
			found, err := s.Get(ctx, key, &value)
			if err != nil {
				s.lock.Release(ctx, key)
				return nil, err
			}
			if found {
				s.lock.Release(ctx, key)
				return value, nil
			}

			computed, err := fallback(ctx)
			if err != nil {
				s.lock.Release(ctx, key)
				return nil, fmt.Errorf("cache fallback %s: %w", key, err)
			}
			if err := s.Set(ctx, key, computed, ttl); err != nil {
				s.lock.Release(ctx, key)
				return nil, err
			}
			s.lock.Release(ctx, key)
			// Return the decoded form so winner and waiters observe the
			// same representation.
			raw, err := json.Marshal(computed)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, err
			}
			return value, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryWait):
		}
	}
}

// Stats returns the lifetime counters.
func (s *Service) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Sets:   s.sets.Load(),
		Errors: s.errors.Load(),
	}
}

// HitRate derives the hit ratio; 1 when no reads have happened.
func (s *Service) HitRate() float64 {
	st := s.Stats()
	total := st.Hits + st.Misses
	if total == 0 {
		return 1
	}
	return float64(st.Hits) / float64(total)
}

// Ping probes the underlying store when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
