package queue

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

func TestProcess(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		p := NewProcessor(zap.NewNop())
		require.NoError(t, p.RegisterHandler("email", func(_ context.Context, data map[string]any) (any, error) {
			return "sent to " + data["to"].(string), nil
		}))

		result, err := p.Process(context.Background(), Message{
			ID: "m1", Type: "email", Data: map[string]any{"to": "ops"},
		})
		require.NoError(t, err)
		assert.Equal(t, "sent to ops", result)
		assert.Equal(t, 0, p.InFlight())
	})

	t.Run("RetryBackoffThenSuccess", func(t *testing.T) {
		p := NewProcessor(zap.NewNop(),
			WithMaxRetries(3),
			WithRetryDelay(100*time.Millisecond))

		var invocations atomic.Int32
		require.NoError(t, p.RegisterHandler("t", func(context.Context, map[string]any) (any, error) {
			if invocations.Add(1) <= 2 {
				return nil, fmt.Errorf("transient")
			}
			return "ok", nil
		}))

		start := time.Now()
		result, err := p.Process(context.Background(), Message{ID: "j1", Type: "t", Data: map[string]any{}})
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, int32(3), invocations.Load())
		// First retry sleeps 100ms, second 200ms.
		assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	})

	t.Run("ExhaustedRetriesFails", func(t *testing.T) {
		p := NewProcessor(zap.NewNop(),
			WithMaxRetries(2),
			WithRetryDelay(time.Millisecond))

		var invocations atomic.Int32
		require.NoError(t, p.RegisterHandler("t", func(context.Context, map[string]any) (any, error) {
			invocations.Add(1)
			return nil, fmt.Errorf("permanent")
		}))

		var failed atomic.Int32
		p.OnFailed(func(Message, error) { failed.Add(1) })

		_, err := p.Process(context.Background(), Message{ID: "j2", Type: "t"})
		require.Error(t, err)
		assert.Equal(t, int32(3), invocations.Load(), "initial try plus two retries")
		assert.Equal(t, int32(1), failed.Load())
	})

	t.Run("DuplicateInFlightRejected", func(t *testing.T) {
		p := NewProcessor(zap.NewNop())
		release := make(chan struct{})
		require.NoError(t, p.RegisterHandler("slow", func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

		done := make(chan error, 1)
		go func() {
			_, err := p.Process(context.Background(), Message{ID: "dup", Type: "slow"})
			done <- err
		}()
		require.Eventually(t, func() bool { return p.InFlight() == 1 },
			time.Second, time.Millisecond)

		_, err := p.Process(context.Background(), Message{ID: "dup", Type: "slow"})
		assert.ErrorIs(t, err, ErrDuplicateInFlight)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("UnknownTypeRejected", func(t *testing.T) {
		p := NewProcessor(zap.NewNop())
		_, err := p.Process(context.Background(), Message{ID: "x", Type: "nope"})
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("TimeoutClassified", func(t *testing.T) {
		p := NewProcessor(zap.NewNop(),
			WithMessageTimeout(30*time.Millisecond),
			WithMaxRetries(0))
		require.NoError(t, p.RegisterHandler("slow", func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		_, err := p.Process(context.Background(), Message{ID: "to", Type: "slow"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("ProcessedObserver", func(t *testing.T) {
		p := NewProcessor(zap.NewNop())
		require.NoError(t, p.RegisterHandler("t", func(context.Context, map[string]any) (any, error) {
			return 7, nil
		}))
		var got atomic.Value
		p.OnProcessed(func(msg Message, result any) { got.Store(result) })
		_, err := p.Process(context.Background(), Message{ID: "m", Type: "t"})
		require.NoError(t, err)
		assert.Equal(t, 7, got.Load())
	})
}

func TestProcessBatch(t *testing.T) {
	p := NewProcessor(zap.NewNop(), WithMaxRetries(0))
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, data map[string]any) (any, error) {
		if data["fail"] == true {
			return nil, fmt.Errorf("nope")
		}
		return data["n"], nil
	}))

	summary := p.ProcessBatch(context.Background(), []Message{
		{ID: "a", Type: "t", Data: map[string]any{"n": 1}},
		{ID: "b", Type: "t", Data: map[string]any{"fail": true}},
		{ID: "c", Type: "t", Data: map[string]any{"n": 3}},
	})

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, "fulfilled", summary.Results[0].Status)
	assert.Equal(t, "rejected", summary.Results[1].Status)
	assert.Contains(t, summary.Results[1].Error, "nope")
	assert.Equal(t, 3, summary.Results[2].Result)
}

func TestCleanupTimedOut(t *testing.T) {
	p := NewProcessor(zap.NewNop(), WithMessageTimeout(10*time.Millisecond))
	p.mu.Lock()
	p.inFlight["stale"] = time.Now().Add(-time.Minute)
	p.inFlight["fresh"] = time.Now()
	p.mu.Unlock()

	assert.Equal(t, 1, p.CleanupTimedOut())
	assert.Equal(t, 1, p.InFlight())
}

func TestRegisterHandlerValidation(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	assert.Error(t, p.RegisterHandler("", func(context.Context, map[string]any) (any, error) { return nil, nil }))
	assert.Error(t, p.RegisterHandler("t", nil))
}
