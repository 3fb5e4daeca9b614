package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), zap.NewNop(), opts...)
}

func TestKey(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		k := NewKey("user", "profile", "123")
		require.NoError(t, k.Validate())
		assert.Equal(t, "rdp:user:profile:123:v1", k.String())
	})

	t.Run("MissingField", func(t *testing.T) {
		k := NewKey("user", "", "123")
		assert.Error(t, k.Validate())
	})

	t.Run("InvalidCharacters", func(t *testing.T) {
		k := NewKey("user", "pro file", "123")
		assert.Error(t, k.Validate())
		k = NewKey("user", "profile", "a:b")
		assert.Error(t, k.Validate())
	})

	t.Run("LockKey", func(t *testing.T) {
		assert.Equal(t, "lock:rdp:user:profile:123:v1", LockKey("rdp:user:profile:123:v1"))
	})
}

func TestServiceRoundtrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	key, err := s.BuildKey("user", "profile", "42")
	require.NoError(t, err)

	type profile struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, s.Set(ctx, key, profile{ID: 42, Name: "ada"}, time.Minute))

	var got profile
	found, err := s.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, profile{ID: 42, Name: "ada"}, got)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, key))
	exists, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 30*time.Millisecond))
	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	time.Sleep(50 * time.Millisecond)
	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLock(t *testing.T) {
	store := NewMemoryStore()
	lock := NewLock(store, zap.NewNop())
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, lock.Release(ctx, "job"))
	ok, err = lock.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockTTLExpires(t *testing.T) {
	store := NewMemoryStore()
	lock := NewLock(store, zap.NewNop())
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "job", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	ok, err = lock.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestGetOrCompute(t *testing.T) {
	t.Run("StampedeProtection", func(t *testing.T) {
		s := newTestService(t)
		ctx := context.Background()
		var fetches atomic.Int32

		fallback := func(context.Context) (any, error) {
			fetches.Add(1)
			time.Sleep(100 * time.Millisecond)
			return map[string]any{"id": 1, "name": "test"}, nil
		}

		const callers = 3
		results := make([]any, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.GetOrCompute(ctx, "user", "profile", "123", fallback, 3600*time.Second)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), fetches.Load(), "fallback runs exactly once")
		want := map[string]any{"id": float64(1), "name": "test"}
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, want, results[i])
		}

		// Key present with roughly the requested TTL.
		ttl, err := s.TTL(ctx, "rdp:user:profile:123:v1")
		require.NoError(t, err)
		assert.InDelta(t, (3600 * time.Second).Seconds(), ttl.Seconds(), 5)
	})

	t.Run("HitSkipsFallback", func(t *testing.T) {
		s := newTestService(t)
		ctx := context.Background()
		key, _ := s.BuildKey("user", "profile", "9")
		require.NoError(t, s.Set(ctx, key, "cached", time.Minute))

		var fetches atomic.Int32
		got, err := s.GetOrCompute(ctx, "user", "profile", "9", func(context.Context) (any, error) {
			fetches.Add(1)
			return "computed", nil
		}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "cached", got)
		assert.Equal(t, int32(0), fetches.Load())
	})

	t.Run("FallbackErrorReleasesLock", func(t *testing.T) {
		s := newTestService(t)
		ctx := context.Background()

		_, err := s.GetOrCompute(ctx, "user", "profile", "7", func(context.Context) (any, error) {
			return nil, assert.AnError
		}, time.Minute)
		require.Error(t, err)

		// The lock must be free again for the next caller.
		got, err := s.GetOrCompute(ctx, "user", "profile", "7", func(context.Context) (any, error) {
			return "recovered", nil
		}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "recovered", got)
	})

	t.Run("InvalidKeyRejected", func(t *testing.T) {
		s := newTestService(t)
		_, err := s.GetOrCompute(context.Background(), "user", "", "7",
			func(context.Context) (any, error) { return nil, nil }, time.Minute)
		assert.Error(t, err)
	})
}

func TestStats(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key, _ := s.BuildKey("a", "b", "c")

	var v string
	s.Get(ctx, key, &v) // miss
	require.NoError(t, s.Set(ctx, key, "x", time.Minute))
	s.Get(ctx, key, &v) // hit

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Sets)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestSetDefaultTTL(t *testing.T) {
	s := newTestService(t, WithDefaultTTL(time.Minute))
	assert.Equal(t, time.Minute, s.DefaultTTL())
	s.SetDefaultTTL(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, s.DefaultTTL())
	s.SetDefaultTTL(0)
	assert.Equal(t, 2*time.Minute, s.DefaultTTL(), "non-positive TTL ignored")
}

func TestMGet(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	k1, _ := s.BuildKey("u", "p", "1")
	k2, _ := s.BuildKey("u", "p", "2")
	require.NoError(t, s.Set(ctx, k1, 1, time.Minute))
	require.NoError(t, s.Set(ctx, k2, 2, time.Minute))

	got, err := s.MGet(ctx, k1, k2, "rdp:u:p:3:v1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.JSONEq(t, "1", string(got[k1]))
}
