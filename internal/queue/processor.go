package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one typed unit of work for the processor.
type Message struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Attempts int            `json:"attempts"`
}

// HandlerFunc handles one message type.
type HandlerFunc func(ctx context.Context, data map[string]any) (any, error)

// Processor defaults.
const (
	DefaultMessageTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	maxRetryDelay         = 30 * time.Second
)

// ErrDuplicateInFlight rejects a message whose id is already being
// processed.
var ErrDuplicateInFlight = fmt.Errorf("message already in flight")

// ErrNoHandler rejects a message type with no registered handler.
var ErrNoHandler = fmt.Errorf("no handler registered for message type")

// BatchResult is one message's outcome inside a batch.
type BatchResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // fulfilled or rejected
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

// Processor dispatches messages to typed handlers with bounded retries,
// exponential backoff and a per-message timeout.
type Processor struct {
	logger     *zap.Logger
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration

	mu          sync.Mutex
	handlers    map[string]HandlerFunc
	inFlight    map[string]time.Time
	onProcessed []func(Message, any)
	onFailed    []func(Message, error)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithMessageTimeout bounds one handler invocation.
func WithMessageTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxRetries bounds retries per message.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay seeds the exponential backoff.
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// NewProcessor creates an empty processor.
func NewProcessor(logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		logger:     logger,
		timeout:    DefaultMessageTimeout,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		handlers:   make(map[string]HandlerFunc),
		inFlight:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler installs the handler for a message type.
func (p *Processor) RegisterHandler(msgType string, fn HandlerFunc) error {
	if msgType == "" {
		return fmt.Errorf("message type is required")
	}
	if fn == nil {
		return fmt.Errorf("handler for %q is required", msgType)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgType] = fn
	return nil
}

// OnProcessed registers an observer for successful messages.
func (p *Processor) OnProcessed(fn func(Message, any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProcessed = append(p.onProcessed, fn)
}

// OnFailed registers an observer for exhausted messages.
func (p *Processor) OnFailed(fn func(Message, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = append(p.onFailed, fn)
}

// Process runs one message to completion: the handler races the message
// timeout, failures retry with delay min(retryDelay*2^(n-1), 30s) until
// maxRetries is reached, then the failure observers fire and the error
// returns.
func (p *Processor) Process(ctx context.Context, msg Message) (any, error) {
	p.mu.Lock()
	if _, dup := p.inFlight[msg.ID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, msg.ID)
	}
	handler, ok := p.handlers[msg.Type]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
	p.inFlight[msg.ID] = time.Now()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, msg.ID)
		p.mu.Unlock()
	}()

	for {
		result, err := p.invoke(ctx, handler, msg.Data)
		if err == nil {
			p.mu.Lock()
			observers := append(([]func(Message, any))(nil), p.onProcessed...)
			p.mu.Unlock()
			for _, fn := range observers {
				fn(msg, result)
			}
			return result, nil
		}

		if msg.Attempts >= p.maxRetries {
			p.mu.Lock()
			observers := append(([]func(Message, error))(nil), p.onFailed...)
			p.mu.Unlock()
			for _, fn := range observers {
				fn(msg, err)
			}
			p.logger.Warn("message processing exhausted retries",
				zap.String("id", msg.ID),
				zap.String("type", msg.Type),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err))
			return nil, err
		}

		msg.Attempts++
		delay := p.retryDelay << (msg.Attempts - 1)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		p.logger.Debug("message retry",
			zap.String("id", msg.ID),
			zap.Int("attempt", msg.Attempts),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// invoke races the handler against the per-message timeout.
func (p *Processor) invoke(ctx context.Context, handler HandlerFunc, data map[string]any) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := handler(hctx, data)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("message processing timeout after %s", p.timeout)
		}
		return out.result, out.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.Canceled) {
			return nil, hctx.Err()
		}
		return nil, fmt.Errorf("message processing timeout after %s", p.timeout)
	}
}

// ProcessBatch runs all messages concurrently and reports per-message
// outcomes with success and failure counts.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []Message) BatchSummary {
	summary := BatchSummary{
		Total:   len(msgs),
		Results: make([]BatchResult, len(msgs)),
	}
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg Message) {
			defer wg.Done()
			result, err := p.Process(ctx, msg)
			if err != nil {
				summary.Results[i] = BatchResult{ID: msg.ID, Status: "rejected", Error: err.Error()}
				return
			}
			summary.Results[i] = BatchResult{ID: msg.ID, Status: "fulfilled", Result: result}
		}(i, msg)
	}
	wg.Wait()
	for _, r := range summary.Results {
		if r.Status == "fulfilled" {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// CleanupTimedOut drops in-flight entries whose wall-clock age exceeds the
// message timeout. The timeout race normally clears these; this is a
// backstop for leaked entries. It returns how many were evicted.
func (p *Processor) CleanupTimedOut() int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for id, started := range p.inFlight {
		if now.Sub(started) > p.timeout {
			delete(p.inFlight, id)
			evicted++
		}
	}
	return evicted
}

// InFlight returns how many messages are currently processing.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
