package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{"0 */2 * * *", 2 * time.Hour, false},
		{"0 */24 * * *", 24 * time.Hour, false},
		{"0 */1 * * *", time.Hour, false},
		{"*/5 * * * *", 0, true},
		{"0 2 * * *", 0, true},
		{"0 */0 * * *", 0, true},
		{"garbage", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.expr)
		if tc.wantErr {
			assert.Error(t, err, tc.expr)
			continue
		}
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestRegisterValidation(t *testing.T) {
	w := NewWarmer(newTestService(t), zap.NewNop())
	fetch := func(context.Context) (any, error) { return 1, nil }

	assert.Error(t, w.Register("", fetch, TaskOptions{}))
	assert.Error(t, w.Register("k", nil, TaskOptions{}))
	assert.Error(t, w.Register("k", fetch, TaskOptions{Scheduled: true, Schedule: "bad"}))
	require.NoError(t, w.Register("k", fetch, TaskOptions{}))
	assert.Error(t, w.Register("k", fetch, TaskOptions{}), "duplicate key rejected")
}

func TestWarmOnStartup(t *testing.T) {
	t.Run("PriorityOrderAndResults", func(t *testing.T) {
		svc := newTestService(t)
		w := NewWarmer(svc, zap.NewNop(), WithWarmupConcurrency(1))

		var order []string
		mk := func(name string, fail bool) Fetcher {
			return func(context.Context) (any, error) {
				order = append(order, name)
				if fail {
					return nil, fmt.Errorf("fetch %s failed", name)
				}
				return name, nil
			}
		}
		require.NoError(t, w.Register("rdp:a:warm:low:v1", mk("low", false), TaskOptions{Priority: 9}))
		require.NoError(t, w.Register("rdp:a:warm:high:v1", mk("high", false), TaskOptions{Priority: 1}))
		require.NoError(t, w.Register("rdp:a:warm:bad:v1", mk("bad", true), TaskOptions{Priority: 5}))

		result := w.WarmOnStartup(context.Background())
		assert.ElementsMatch(t, []string{"rdp:a:warm:low:v1", "rdp:a:warm:high:v1"}, result.Successful)
		assert.Equal(t, []string{"rdp:a:warm:bad:v1"}, result.Failed)
		assert.Equal(t, []string{"high", "bad", "low"}, order, "priority 1 runs first")

		var got string
		found, err := svc.Get(context.Background(), "rdp:a:warm:high:v1", &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "high", got)
	})

	t.Run("TimeoutFailsRemaining", func(t *testing.T) {
		svc := newTestService(t)
		w := NewWarmer(svc, zap.NewNop(),
			WithWarmupConcurrency(1),
			WithWarmupTimeout(30*time.Millisecond))

		slow := func(ctx context.Context) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "slow", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		require.NoError(t, w.Register("rdp:a:warm:s1:v1", slow, TaskOptions{Priority: 1}))
		require.NoError(t, w.Register("rdp:a:warm:s2:v1", slow, TaskOptions{Priority: 2}))

		result := w.WarmOnStartup(context.Background())
		assert.Empty(t, result.Successful)
		assert.Len(t, result.Failed, 2)
	})
}

func TestWarmCore(t *testing.T) {
	svc := newTestService(t)
	w := NewWarmer(svc, zap.NewNop())

	var coreRuns atomic.Int32
	require.NoError(t, w.Register("rdp:a:warm:core:v1", func(context.Context) (any, error) {
		coreRuns.Add(1)
		return "v", nil
	}, TaskOptions{Core: true}))
	require.NoError(t, w.Register("rdp:a:warm:other:v1", func(context.Context) (any, error) {
		return "v", nil
	}, TaskOptions{}))

	require.NoError(t, w.WarmCore(context.Background()))
	assert.Equal(t, int32(1), coreRuns.Load())
}

func TestRecordAccess(t *testing.T) {
	t.Run("TriggersOnDemandWarm", func(t *testing.T) {
		svc := newTestService(t)
		w := NewWarmer(svc, zap.NewNop())

		var warms atomic.Int32
		// Priority 10 gives the floor threshold of 20 accesses.
		require.NoError(t, w.Register("rdp:u:hot:k:v1", func(context.Context) (any, error) {
			warms.Add(1)
			return "warmed", nil
		}, TaskOptions{Priority: 10}))

		for i := 0; i < 19; i++ {
			w.RecordAccess("rdp:u:hot:k:v1", false)
		}
		assert.Equal(t, int32(0), warms.Load(), "below threshold")

		w.RecordAccess("rdp:u:hot:k:v1", false)
		assert.Eventually(t, func() bool { return warms.Load() == 1 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("CooldownPreventsBackToBackWarms", func(t *testing.T) {
		svc := newTestService(t)
		w := NewWarmer(svc, zap.NewNop())

		var warms atomic.Int32
		require.NoError(t, w.Register("rdp:u:hot:c:v1", func(context.Context) (any, error) {
			warms.Add(1)
			return "warmed", nil
		}, TaskOptions{Priority: 10}))

		for i := 0; i < 40; i++ {
			w.RecordAccess("rdp:u:hot:c:v1", false)
		}
		assert.Eventually(t, func() bool { return warms.Load() == 1 },
			time.Second, 5*time.Millisecond)
		// More misses inside the cooldown window must not re-trigger.
		for i := 0; i < 40; i++ {
			w.RecordAccess("rdp:u:hot:c:v1", false)
		}
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), warms.Load())
	})

	t.Run("UnknownKeyIsTrackedOnly", func(t *testing.T) {
		w := NewWarmer(newTestService(t), zap.NewNop())
		for i := 0; i < 100; i++ {
			w.RecordAccess("rdp:u:unknown:k:v1", false)
		}
		// Nothing to warm without a registered task; must not panic.
	})
}

func TestInitialThreshold(t *testing.T) {
	assert.Equal(t, 90.0, initialThreshold(1))
	assert.Equal(t, 50.0, initialThreshold(5))
	assert.Equal(t, 20.0, initialThreshold(10))
	assert.Equal(t, 20.0, initialThreshold(9))
}

func TestScheduledWarming(t *testing.T) {
	// Scheduled intervals are hours; exercise the plumbing directly via the
	// retry path instead of waiting for a tick.
	svc := newTestService(t)
	w := NewWarmer(svc, zap.NewNop())

	var runs atomic.Int32
	require.NoError(t, w.Register("rdp:a:warm:sched:v1", func(context.Context) (any, error) {
		if runs.Add(1) < 3 {
			return nil, fmt.Errorf("transient")
		}
		return "ok", nil
	}, TaskOptions{
		Scheduled:  true,
		Schedule:   "0 */2 * * *",
		RetryTimes: 3,
		RetryDelay: 5 * time.Millisecond,
	}))

	w.mu.Lock()
	task := w.tasks["rdp:a:warm:sched:v1"]
	w.mu.Unlock()
	require.Equal(t, 2*time.Hour, task.interval)

	w.runScheduled(context.Background(), task)
	assert.Equal(t, int32(3), runs.Load(), "retries until success")

	stats := w.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Successes)
	assert.Equal(t, int64(2), stats[0].Failures)
}
