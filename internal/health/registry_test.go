package health

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

func okCheck(context.Context) (map[string]any, error) { return nil, nil }

func failCheck(context.Context) (map[string]any, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestOverallAggregation(t *testing.T) {
	t.Run("UnknownBeforeFirstRun", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		r.Register("db", okCheck, DefaultCheckOptions())
		assert.Equal(t, StatusUnknown, r.Overall())
	})

	t.Run("DegradedThenUnhealthy", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		r.Register("C", okCheck, CheckOptions{Critical: true})
		r.Register("N", failCheck, CheckOptions{Critical: false})

		overall := r.CheckAll(context.Background())
		assert.Equal(t, StatusDegraded, overall)
		assert.True(t, r.IsAvailable())
		assert.False(t, r.IsHealthy())

		r.Register("K", failCheck, CheckOptions{Critical: true})
		overall = r.CheckAll(context.Background())
		assert.Equal(t, StatusUnhealthy, overall)
		assert.False(t, r.IsAvailable())
	})

	t.Run("AllHealthy", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		r.Register("a", okCheck, DefaultCheckOptions())
		r.Register("b", okCheck, CheckOptions{Critical: false})
		assert.Equal(t, StatusHealthy, r.CheckAll(context.Background()))
	})
}

func TestCheckTimeout(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("slow", func(ctx context.Context) (map[string]any, error) {
		select {
		case <-time.After(2 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, CheckOptions{Timeout: 50 * time.Millisecond, Critical: true})

	assert.Equal(t, StatusUnhealthy, r.CheckAll(context.Background()))
	rec, ok := r.Record("slow")
	require.True(t, ok)
	assert.Contains(t, rec.Error, "timeout")
	assert.True(t, IsTimeout(fmt.Errorf("%s", rec.Error)))
}

func TestCheckIsolation(t *testing.T) {
	// One check's failure must not cancel another.
	var ran atomic.Int32
	r := NewRegistry(zap.NewNop())
	r.Register("boom", failCheck, DefaultCheckOptions())
	r.Register("fine", func(context.Context) (map[string]any, error) {
		ran.Add(1)
		return map[string]any{"v": 1}, nil
	}, DefaultCheckOptions())

	r.CheckAll(context.Background())
	assert.Equal(t, int32(1), ran.Load())
	rec, _ := r.Record("fine")
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, map[string]any{"v": 1}, rec.Details)
}

func TestOnUnhealthyCallback(t *testing.T) {
	var called atomic.Int32
	r := NewRegistry(zap.NewNop())
	r.Register("x", failCheck, CheckOptions{
		Critical: true,
		OnUnhealthy: func(name string, err error) {
			called.Add(1)
			panic("callback panic must be contained")
		},
	})
	r.CheckAll(context.Background())
	assert.Equal(t, int32(1), called.Load())
}

func TestObservers(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("db", failCheck, DefaultCheckOptions())

	var perCheck atomic.Int32
	var overall atomic.Int32
	r.OnStatusChange(func(name string, rec CheckRecord) {
		if name == "db" && rec.Status == StatusUnhealthy {
			perCheck.Add(1)
		}
	})
	r.OnOverallChange(func(status Status) {
		if status == StatusUnhealthy {
			overall.Add(1)
		}
	})

	r.CheckAll(context.Background())
	assert.Equal(t, int32(1), perCheck.Load())
	assert.Equal(t, int32(1), overall.Load())

	// Same status again: per-check fires, overall transition does not.
	r.CheckAll(context.Background())
	assert.Equal(t, int32(2), perCheck.Load())
	assert.Equal(t, int32(1), overall.Load())
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	r := NewRegistry(zap.NewNop())
	r.Register("tick", func(context.Context) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	}, DefaultCheckOptions())

	r.Start(20 * time.Millisecond)
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()

	settled := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "no evaluations after Stop")
}

func TestRegisterStoreRoundtrip(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.RegisterStore("kv", fakeKV{data: map[string]string{}}, DefaultCheckOptions())
	assert.Equal(t, StatusHealthy, r.CheckAll(context.Background()))
}

type fakeKV struct {
	data map[string]string
}

func (f fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f fakeKV) Del(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}
