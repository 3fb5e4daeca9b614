package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDLQ(t *testing.T, opts ...DLQOption) (*DeadLetterQueue, *Manager) {
	t.Helper()
	m := NewManager(NewMemoryStore(), zap.NewNop())
	t.Cleanup(m.CloseAll)
	opts = append([]DLQOption{WithDLQTestMode()}, opts...)
	return NewDeadLetterQueue(m, zap.NewNop(), "", opts...), m
}

func TestAddFailedMessage(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	ctx := context.Background()

	msg := Message{ID: "m1", Type: "order", Data: map[string]any{"n": 1}}
	err := dlq.AddFailedMessage(ctx, msg, fmt.Errorf("boom"), RecordContext{
		OriginalQueue: "orders",
		Attempts:      3,
	})
	require.NoError(t, err)

	// The record is enqueued and counted.
	counts := dlq.Counts(ctx)
	assert.Equal(t, 1, counts.Waiting)

	job, ok := dlq.queue.GetJob(ctx, "dlq:m1")
	require.True(t, ok)
	record, err := recordFromData(job.Data)
	require.NoError(t, err)
	assert.Equal(t, "m1", record.OriginalMessage.ID)
	assert.Equal(t, "boom", record.Error.Message)
	assert.Equal(t, "orders", record.Context.OriginalQueue)
	assert.Equal(t, 0, record.Meta.RetryCount)
	assert.False(t, record.Meta.AddedAt.IsZero())
}

func TestRetryMessage(t *testing.T) {
	t.Run("ReEnqueuesOntoOriginalQueue", func(t *testing.T) {
		dlq, m := newTestDLQ(t)
		ctx := context.Background()

		msg := Message{ID: "m2", Type: "order", Data: map[string]any{"n": 2}}
		require.NoError(t, dlq.AddFailedMessage(ctx, msg, fmt.Errorf("boom"), RecordContext{
			OriginalQueue: "orders",
		}))

		ok, err := dlq.RetryMessage(ctx, "m2")
		require.NoError(t, err)
		assert.True(t, ok)

		orders := m.Get("orders")
		assert.Equal(t, 1, orders.Counts(ctx).Waiting)

		job, found := dlq.queue.GetJob(ctx, "dlq:m2")
		require.True(t, found)
		record, err := recordFromData(job.Data)
		require.NoError(t, err)
		assert.Equal(t, 1, record.Meta.RetryCount)
		assert.False(t, record.Meta.LastRetryAt.IsZero())
		assert.True(t, record.Meta.NextRetryAt.After(time.Now()))
	})

	t.Run("BoundedRetry", func(t *testing.T) {
		dlq, _ := newTestDLQ(t, WithDLQMaxRetries(3))
		ctx := context.Background()

		msg := Message{ID: "m1", Type: "order", Data: nil}
		require.NoError(t, dlq.AddFailedMessage(ctx, msg, fmt.Errorf("boom"), RecordContext{
			OriginalQueue: "orders",
		}))

		for i := 0; i < 3; i++ {
			ok, err := dlq.RetryMessage(ctx, "m1")
			require.NoError(t, err)
			assert.True(t, ok, "retry %d within the cap", i+1)
		}

		ok, err := dlq.RetryMessage(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, ok, "fourth retry must be refused")

		job, found := dlq.queue.GetJob(ctx, "dlq:m1")
		require.True(t, found)
		record, err := recordFromData(job.Data)
		require.NoError(t, err)
		assert.Equal(t, 3, record.Meta.RetryCount, "no further increments")
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		dlq, _ := newTestDLQ(t)
		_, err := dlq.RetryMessage(context.Background(), "ghost")
		assert.Error(t, err)
	})
}

func TestRecordDefaults(t *testing.T) {
	record, err := recordFromData(map[string]any{
		"original_message": map[string]any{"id": "m9", "type": "t"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m9", record.OriginalMessage.ID)
	assert.False(t, record.Meta.AddedAt.IsZero(), "missing meta filled")
	assert.Equal(t, "default", record.Context.OriginalQueue)

	_, err = recordFromData(map[string]any{"junk": true})
	assert.Error(t, err, "record without original message id rejected")
}

func TestRetryBatch(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	ctx := context.Background()

	add := func(id, queueName string) {
		t.Helper()
		require.NoError(t, dlq.AddFailedMessage(ctx,
			Message{ID: id, Type: "t"}, fmt.Errorf("x"),
			RecordContext{OriginalQueue: queueName}))
	}
	add("b1", "orders")
	add("b2", "orders")
	add("b3", "emails")

	t.Run("QueueFilter", func(t *testing.T) {
		result := dlq.RetryBatch(ctx, RetryFilters{QueueName: "orders"})
		assert.Equal(t, 3, result.Total)
		assert.Equal(t, 2, result.Succeeded)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 0, result.Failed)
	})

	t.Run("MinAgeSkipsFresh", func(t *testing.T) {
		result := dlq.RetryBatch(ctx, RetryFilters{MinAge: time.Hour})
		assert.Equal(t, 3, result.Skipped)
		assert.Equal(t, 0, result.Succeeded)
	})

	t.Run("MaxRetriesFilter", func(t *testing.T) {
		// b1 and b2 are at retry count 1 from the queue-filter run.
		result := dlq.RetryBatch(ctx, RetryFilters{MaxRetries: 1})
		assert.Equal(t, 1, result.Succeeded, "only b3 is below the cap")
		assert.Equal(t, 2, result.Skipped)
	})
}

func TestCleanup(t *testing.T) {
	dlq, _ := newTestDLQ(t, WithDLQTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, dlq.AddFailedMessage(ctx,
		Message{ID: "old", Type: "t"}, fmt.Errorf("x"),
		RecordContext{OriginalQueue: "orders"}))
	require.NoError(t, dlq.AddFailedMessage(ctx,
		Message{ID: "new", Type: "t"}, fmt.Errorf("x"),
		RecordContext{OriginalQueue: "orders"}))

	// Age the first record past the TTL.
	job, ok := dlq.queue.GetJob(ctx, "dlq:old")
	require.True(t, ok)
	record, err := recordFromData(job.Data)
	require.NoError(t, err)
	record.Meta.AddedAt = time.Now().Add(-2 * time.Hour)
	data, err := recordToData(record)
	require.NoError(t, err)
	job.Data = data
	require.NoError(t, dlq.queue.UpdateJob(ctx, job))

	assert.Equal(t, 1, dlq.Cleanup(ctx))
	_, ok = dlq.queue.GetJob(ctx, "dlq:old")
	assert.False(t, ok)
	_, ok = dlq.queue.GetJob(ctx, "dlq:new")
	assert.True(t, ok)
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "dlq:m1", JobID("m1"))
}
