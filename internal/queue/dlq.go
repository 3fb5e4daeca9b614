package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dead-letter defaults.
const (
	DefaultDLQName          = "dead-letter-queue"
	DefaultDLQMaxRetries    = 3
	DefaultDLQRetryInterval = time.Minute
	DefaultDLQTTL           = 7 * 24 * time.Hour
	DefaultDLQCleanupEvery  = 24 * time.Hour
	dlqIDPrefix             = "dlq:"
)

// RecordError captures the failure that parked a message.
type RecordError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RecordContext captures where the message came from.
type RecordContext struct {
	FailedAt      time.Time `json:"failed_at"`
	OriginalQueue string    `json:"original_queue"`
	Attempts      int       `json:"attempts"`
}

// RecordMeta tracks retry bookkeeping.
type RecordMeta struct {
	AddedAt     time.Time `json:"added_at"`
	RetryCount  int       `json:"retry_count"`
	LastRetryAt time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// Record is the envelope parked in the dead-letter queue.
type Record struct {
	OriginalMessage Message       `json:"original_message"`
	Error           RecordError   `json:"error"`
	Context         RecordContext `json:"context"`
	Meta            RecordMeta    `json:"meta"`
}

// RetryFilters narrow a batch retry.
type RetryFilters struct {
	// MinAge skips records younger than this.
	MinAge time.Duration
	// MaxRetries skips records at or above this retry count; zero means
	// use the queue's own cap.
	MaxRetries int
	// QueueName restricts to records from one original queue.
	QueueName string
}

// BatchRetryResult aggregates a batch retry run.
type BatchRetryResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DeadLetterQueue parks permanently failed messages with retry bookkeeping
// and TTL cleanup.
type DeadLetterQueue struct {
	manager *Manager
	queue   *Queue
	logger  *zap.Logger

	maxRetries    int
	retryInterval time.Duration
	ttl           time.Duration
	cleanupEvery  time.Duration
	testMode      bool

	cancel func()
	done   chan struct{}
}

// DLQOption configures a DeadLetterQueue.
type DLQOption func(*DeadLetterQueue)

// WithDLQMaxRetries caps manual retries per record.
func WithDLQMaxRetries(n int) DLQOption {
	return func(d *DeadLetterQueue) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithDLQRetryInterval seeds the next-retry backoff.
func WithDLQRetryInterval(interval time.Duration) DLQOption {
	return func(d *DeadLetterQueue) {
		if interval > 0 {
			d.retryInterval = interval
		}
	}
}

// WithDLQTTL bounds record age before cleanup.
func WithDLQTTL(ttl time.Duration) DLQOption {
	return func(d *DeadLetterQueue) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithDLQCleanupEvery paces the background sweeper.
func WithDLQCleanupEvery(every time.Duration) DLQOption {
	return func(d *DeadLetterQueue) {
		if every > 0 {
			d.cleanupEvery = every
		}
	}
}

// WithDLQTestMode disables the background sweeper.
func WithDLQTestMode() DLQOption {
	return func(d *DeadLetterQueue) { d.testMode = true }
}

// NewDeadLetterQueue creates the DLQ over the manager's store. Records are
// kept after completion and never auto-retried by the queue itself.
func NewDeadLetterQueue(manager *Manager, logger *zap.Logger, name string, opts ...DLQOption) *DeadLetterQueue {
	if name == "" {
		name = DefaultDLQName
	}
	d := &DeadLetterQueue{
		manager:       manager,
		queue:         manager.Get(name, WithDefaultAttempts(1)),
		logger:        logger,
		maxRetries:    DefaultDLQMaxRetries,
		retryInterval: DefaultDLQRetryInterval,
		ttl:           DefaultDLQTTL,
		cleanupEvery:  DefaultDLQCleanupEvery,
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.testMode {
		d.startCleanup()
	}
	return d
}

// JobID renders the reserved DLQ job id for a message id.
func JobID(messageID string) string {
	return dlqIDPrefix + messageID
}

// AddFailedMessage parks a message with its failure context.
func (d *DeadLetterQueue) AddFailedMessage(ctx context.Context, msg Message, failure error, rctx RecordContext) error {
	if rctx.FailedAt.IsZero() {
		rctx.FailedAt = time.Now()
	}
	record := Record{
		OriginalMessage: msg,
		Error:           RecordError{Message: failure.Error()},
		Context:         rctx,
		Meta:            RecordMeta{AddedAt: time.Now()},
	}

	data, err := recordToData(record)
	if err != nil {
		return fmt.Errorf("encode dlq record: %w", err)
	}
	_, err = d.queue.Add(ctx, data, JobOptions{
		JobID:          JobID(msg.ID),
		Attempts:       1,
		KeepOnComplete: true,
	})
	if err != nil {
		return fmt.Errorf("park message %s: %w", msg.ID, err)
	}
	d.logger.Info("message parked in dead-letter queue",
		zap.String("id", msg.ID),
		zap.String("original_queue", rctx.OriginalQueue),
		zap.String("error", failure.Error()))
	return nil
}

// RetryMessage re-enqueues one parked message onto its original queue. It
// returns false without error when the record has exhausted its retries.
func (d *DeadLetterQueue) RetryMessage(ctx context.Context, messageID string) (bool, error) {
	job, ok := d.queue.GetJob(ctx, JobID(messageID))
	if !ok {
		return false, fmt.Errorf("dlq record for %s not found", messageID)
	}
	record, err := recordFromData(job.Data)
	if err != nil {
		return false, err
	}

	if record.Meta.RetryCount >= d.maxRetries {
		d.logger.Warn("dlq retry cap reached",
			zap.String("id", messageID),
			zap.Int("retries", record.Meta.RetryCount))
		return false, nil
	}

	now := time.Now()
	record.Meta.RetryCount++
	record.Meta.LastRetryAt = now
	record.Meta.NextRetryAt = now.Add(d.retryInterval << record.Meta.RetryCount)

	target := d.manager.Get(record.Context.OriginalQueue)
	if _, err := target.Add(ctx, record.OriginalMessage.Data, JobOptions{
		JobID:    fmt.Sprintf("%s:retry:%d", record.OriginalMessage.ID, record.Meta.RetryCount),
		Attempts: 1,
	}); err != nil {
		return false, fmt.Errorf("re-enqueue %s onto %s: %w", messageID, record.Context.OriginalQueue, err)
	}

	data, err := recordToData(record)
	if err != nil {
		return false, err
	}
	job.Data = data
	if err := d.queue.UpdateJob(ctx, job); err != nil {
		return false, err
	}

	d.logger.Info("dlq message retried",
		zap.String("id", messageID),
		zap.String("queue", record.Context.OriginalQueue),
		zap.Int("retry", record.Meta.RetryCount))
	return true, nil
}

// RetryBatch retries all waiting and failed records that pass the filters.
func (d *DeadLetterQueue) RetryBatch(ctx context.Context, filters RetryFilters) BatchRetryResult {
	maxRetries := filters.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.maxRetries
	}
	now := time.Now()

	jobs := d.queue.Jobs(ctx, StatusWaiting, StatusFailed)
	result := BatchRetryResult{Total: len(jobs)}
	for _, job := range jobs {
		record, err := recordFromData(job.Data)
		if err != nil {
			result.Failed++
			continue
		}
		if filters.QueueName != "" && record.Context.OriginalQueue != filters.QueueName {
			result.Skipped++
			continue
		}
		if filters.MinAge > 0 && now.Sub(record.Meta.AddedAt) < filters.MinAge {
			result.Skipped++
			continue
		}
		if record.Meta.RetryCount >= maxRetries {
			result.Skipped++
			continue
		}
		ok, err := d.RetryMessage(ctx, record.OriginalMessage.ID)
		switch {
		case err != nil:
			result.Failed++
		case ok:
			result.Succeeded++
		default:
			result.Skipped++
		}
	}
	return result
}

// Cleanup removes records older than the TTL and returns how many were
// dropped.
func (d *DeadLetterQueue) Cleanup(ctx context.Context) int {
	cutoff := time.Now().Add(-d.ttl)
	removed := 0
	for _, job := range d.queue.Jobs(ctx) {
		record, err := recordFromData(job.Data)
		if err != nil {
			continue
		}
		if record.Meta.AddedAt.Before(cutoff) {
			if err := d.queue.Remove(ctx, job.ID); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		d.logger.Info("dlq cleanup removed expired records", zap.Int("removed", removed))
	}
	return removed
}

// Counts exposes the backing queue's totals.
func (d *DeadLetterQueue) Counts(ctx context.Context) Counts {
	return d.queue.Counts(ctx)
}

// startCleanup launches the background sweeper.
func (d *DeadLetterQueue) startCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the sweeper.
func (d *DeadLetterQueue) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
}

// recordToData serializes a record into job data.
func recordToData(record Record) (map[string]any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// recordFromData parses a record back out of job data, filling defaults for
// records whose meta or context sections are missing or malformed.
func recordFromData(data map[string]any) (Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("decode dlq record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("decode dlq record: %w", err)
	}
	if record.OriginalMessage.ID == "" {
		return Record{}, fmt.Errorf("dlq record missing original message id")
	}
	if record.Meta.AddedAt.IsZero() {
		record.Meta.AddedAt = time.Now()
	}
	if record.Context.OriginalQueue == "" {
		record.Context.OriginalQueue = "default"
	}
	return record, nil
}
