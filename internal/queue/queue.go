// Package queue implements named job queues with consumer workers, the
// typed message processor with bounded retries, and the dead-letter queue.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is a job's lifecycle position.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// Event names the lifecycle notifications a queue emits.
type Event string

const (
	EventWaiting   Event = "waiting"
	EventActive    Event = "active"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventStalled   Event = "stalled"
)

// Job is one unit of queued work.
type Job struct {
	ID               string         `json:"id"`
	Queue            string         `json:"queue"`
	Data             map[string]any `json:"data"`
	Status           Status         `json:"status"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	Backoff          time.Duration  `json:"backoff"`
	RemoveOnComplete bool           `json:"remove_on_complete"`
	Error            string         `json:"error,omitempty"`
	Result           any            `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	NextRunAt        time.Time      `json:"next_run_at,omitempty"`
	FinishedAt       time.Time      `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Data != nil {
		cp.Data = make(map[string]any, len(j.Data))
		for k, v := range j.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// JobOptions override the queue defaults for one job.
type JobOptions struct {
	// JobID pins the id; a random one is generated when empty. Adding a
	// duplicate id fails.
	JobID string
	// Attempts is the total tries before the job fails. Defaults to 3.
	Attempts int
	// Backoff seeds the exponential retry delay. Defaults to 1s.
	Backoff time.Duration
	// KeepOnComplete retains completed jobs instead of removing them.
	KeepOnComplete bool
	// Delay defers the first run.
	Delay time.Duration
}

// ProcessorFunc consumes one job.
type ProcessorFunc func(ctx context.Context, job *Job) (any, error)

// Counts aggregates per-status job totals.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Queue is one named job queue over the pluggable store.
type Queue struct {
	name   string
	store  Store
	logger *zap.Logger

	defaultAttempts int
	backoffBase     time.Duration

	mu          sync.Mutex
	subscribers map[Event][]func(Job)
	paused      bool
	closed      bool
	concurrency int
	processor   ProcessorFunc
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	notify      chan struct{}
	processed   int64
	failures    int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDefaultAttempts overrides the per-job attempt default.
func WithDefaultAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.defaultAttempts = n
		}
	}
}

// WithBackoffBase overrides the retry backoff base.
func WithBackoffBase(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.backoffBase = d
		}
	}
}

// NewQueue creates a queue bound to a store. Most callers go through a
// Manager instead.
func NewQueue(name string, store Store, logger *zap.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		name:            name,
		store:           store,
		logger:          logger,
		defaultAttempts: 3,
		backoffBase:     time.Second,
		subscribers:     make(map[Event][]func(Job)),
		notify:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Subscribe registers a handler for a lifecycle event. Handlers receive a
// copy of the job and run synchronously with the emitting operation.
func (q *Queue) Subscribe(event Event, fn func(Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers[event] = append(q.subscribers[event], fn)
}

func (q *Queue) emit(event Event, job *Job) {
	q.mu.Lock()
	subs := append(([]func(Job))(nil), q.subscribers[event]...)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(*job.clone())
	}
}

// Add enqueues one job.
func (q *Queue) Add(ctx context.Context, data map[string]any, opts JobOptions) (*Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue %q is closed", q.name)
	}
	q.mu.Unlock()

	if opts.Attempts <= 0 {
		opts.Attempts = q.defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.backoffBase
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:               id,
		Queue:            q.name,
		Data:             data,
		Status:           StatusWaiting,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: !opts.KeepOnComplete,
		CreatedAt:        time.Now(),
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.NextRunAt = time.Now().Add(opts.Delay)
	}

	if err := q.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue on %q: %w", q.name, err)
	}
	q.emit(EventWaiting, job)
	q.wake()
	return job.clone(), nil
}

// BulkJob is one entry of a bulk enqueue.
type BulkJob struct {
	Data map[string]any
	Opts JobOptions
}

// AddBulk enqueues several jobs, stopping at the first failure.
func (q *Queue) AddBulk(ctx context.Context, jobs []BulkJob) ([]*Job, error) {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		job, err := q.Add(ctx, j.Data, j.Opts)
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// SetProcessor installs the consumer and starts its workers.
func (q *Queue) SetProcessor(fn ProcessorFunc, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue %q is closed", q.name)
	}
	if q.processor != nil {
		return fmt.Errorf("queue %q already has a processor", q.name)
	}
	q.processor = fn
	q.concurrency = concurrency

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("queue consumer started",
		zap.String("queue", q.name),
		zap.Int("concurrency", concurrency))
	return nil
}

// SetConcurrency adjusts the number of consumer workers; used by the queue
// optimizer. Shrinking is not supported, only growth.
func (q *Queue) SetConcurrency(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processor == nil || q.closed || n <= q.concurrency {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := q.cancel
	grown := n - q.concurrency
	// Keep one cancel covering all workers: chain the previous cancel.
	q.cancel = func() {
		prev()
		cancel()
	}
	for i := 0; i < grown; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.concurrency = n
	q.logger.Info("queue concurrency raised",
		zap.String("queue", q.name),
		zap.Int("concurrency", n))
}

// Concurrency returns the current worker count.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// wake nudges an idle worker.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// worker consumes jobs until the queue closes.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.mu.Lock()
		paused := q.paused
		fn := q.processor
		q.mu.Unlock()

		var job *Job
		if !paused {
			job, _ = q.store.PopWaiting(ctx, q.name)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		q.runJob(ctx, fn, job)
	}
}

// runJob executes one pop'd job and settles its outcome.
func (q *Queue) runJob(ctx context.Context, fn ProcessorFunc, job *Job) {
	q.emit(EventActive, job)

	job.Attempts++
	result, err := fn(ctx, job)
	if err == nil {
		job.Status = StatusCompleted
		job.Result = result
		job.Error = ""
		job.FinishedAt = time.Now()
		q.mu.Lock()
		q.processed++
		q.mu.Unlock()
		if job.RemoveOnComplete {
			q.store.Remove(ctx, q.name, job.ID)
		} else {
			q.store.Update(ctx, job)
		}
		q.emit(EventCompleted, job)
		return
	}

	job.Error = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := job.Backoff << (job.Attempts - 1)
		job.Status = StatusDelayed
		job.NextRunAt = time.Now().Add(delay)
		q.store.Update(ctx, job)
		q.emit(EventStalled, job)
		q.logger.Debug("job retry scheduled",
			zap.String("queue", q.name),
			zap.String("job", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay))
		return
	}

	job.Status = StatusFailed
	job.FinishedAt = time.Now()
	q.store.Update(ctx, job)
	q.mu.Lock()
	q.failures++
	q.mu.Unlock()
	q.emit(EventFailed, job)
	q.logger.Warn("job failed",
		zap.String("queue", q.name),
		zap.String("job", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
}

// GetJob loads one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, bool) {
	job, ok, err := q.store.Get(ctx, q.name, id)
	if err != nil || !ok {
		return nil, false
	}
	return job.clone(), true
}

// Jobs lists jobs in the given statuses.
func (q *Queue) Jobs(ctx context.Context, statuses ...Status) []*Job {
	jobs, err := q.store.List(ctx, q.name, statuses...)
	if err != nil {
		return nil
	}
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.clone())
	}
	return out
}

// UpdateJob persists caller-made changes to a job's data.
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	return q.store.Update(ctx, job)
}

// Remove deletes one job.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Remove(ctx, q.name, id)
}

// Pause stops consumption; queued jobs stay put.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts consumption.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Counts returns per-status totals.
func (q *Queue) Counts(ctx context.Context) Counts {
	counts, err := q.store.Counts(ctx, q.name)
	if err != nil {
		return Counts{}
	}
	return counts
}

// Totals returns lifetime processed and failed counts for this consumer.
func (q *Queue) Totals() (processed, failed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed, q.failures
}

// Clear removes every job.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, q.name)
}

// Close stops the workers and rejects further adds.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue closed", zap.String("queue", q.name))
}

// Manager deduplicates queues by name over a shared store.
type Manager struct {
	store       Store
	logger      *zap.Logger
	defaultOpts []QueueOption

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a queue registry. The given options apply to every
// queue it creates, before any per-queue options.
func NewManager(store Store, logger *zap.Logger, defaultOpts ...QueueOption) *Manager {
	return &Manager{
		store:       store,
		logger:      logger,
		defaultOpts: defaultOpts,
		queues:      make(map[string]*Queue),
	}
}

// Get returns the queue with the given name, creating it on first use.
func (m *Manager) Get(name string, opts ...QueueOption) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	all := append(append([]QueueOption(nil), m.defaultOpts...), opts...)
	q := NewQueue(name, m.store, m.logger.With(zap.String("queue", name)), all...)
	m.queues[name] = q
	return q
}

// Names lists managed queues.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	return out
}

// CloseAll closes every managed queue.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}
