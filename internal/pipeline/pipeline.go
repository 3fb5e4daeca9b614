// Package pipeline provides composable transform stages over single items
// or batches, with concurrency and error-policy controls. Concrete
// transformers are supplied by callers; this package only runs them.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is the unit flowing through a pipeline.
type Item map[string]any

// StageFunc transforms one item. Returning an error stops that item per the
// batch error policy.
type StageFunc func(ctx context.Context, item Item) (Item, error)

// Stage is one named step.
type Stage struct {
	Name string
	Fn   StageFunc
}

// ErrorPolicy controls how batch processing reacts to a failing item.
type ErrorPolicy string

const (
	// PolicyFailFast aborts the whole batch on the first error.
	PolicyFailFast ErrorPolicy = "fail-fast"
	// PolicySkip drops failing items and keeps going.
	PolicySkip ErrorPolicy = "skip"
	// PolicyCollect keeps going and reports every failure at the end.
	PolicyCollect ErrorPolicy = "collect"
)

// BatchOptions configure one batch run.
type BatchOptions struct {
	// Concurrency bounds parallel items. Defaults to 1.
	Concurrency int
	// ErrorPolicy defaults to fail-fast.
	ErrorPolicy ErrorPolicy
}

// ItemError ties a failure to its batch position.
type ItemError struct {
	Index int
	Stage string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d stage %q: %v", e.Index, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// BatchResult aggregates one batch run.
type BatchResult struct {
	Items  []Item
	Errors []*ItemError
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	name   string
	logger *zap.Logger
	stages []Stage

	mu        sync.Mutex
	processed int64
	failed    int64
}

// New validates the stages and builds a pipeline. Stage names must be
// unique and every stage needs a function.
func New(name string, logger *zap.Logger, stages ...Stage) (*Pipeline, error) {
	if name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %q needs at least one stage", name)
	}
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline %q: stage name is required", name)
		}
		if st.Fn == nil {
			return nil, fmt.Errorf("pipeline %q: stage %q has no function", name, st.Name)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("pipeline %q: duplicate stage %q", name, st.Name)
		}
		seen[st.Name] = true
	}
	return &Pipeline{name: name, logger: logger, stages: stages}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Process runs one item through every stage in order.
func (p *Pipeline) Process(ctx context.Context, item Item) (Item, error) {
	start := time.Now()
	current := item
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := st.Fn(ctx, current)
		if err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			return nil, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		current = next
	}
	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	p.logger.Debug("item processed",
		zap.String("pipeline", p.name),
		zap.Duration("elapsed", time.Since(start)))
	return current, nil
}

// processIndexed runs one item and wraps failures with their position.
func (p *Pipeline) processIndexed(ctx context.Context, index int, item Item) (Item, *ItemError) {
	current := item
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, &ItemError{Index: index, Stage: st.Name, Err: err}
		}
		next, err := st.Fn(ctx, current)
		if err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			return nil, &ItemError{Index: index, Stage: st.Name, Err: err}
		}
		current = next
	}
	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	return current, nil
}

// ProcessBatch runs all items with bounded concurrency under the error
// policy. Result items keep their input order; under PolicySkip failed
// slots are nil and reported only in the log, under PolicyCollect they are
// nil with errors returned, and under PolicyFailFast the first error aborts
// the remaining items.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Item, opts BatchOptions) (*BatchResult, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = PolicyFailFast
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &BatchResult{Items: make([]Item, len(items))}
	errs := make([]*ItemError, len(items))
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		select {
		case <-bctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(i int, item Item) {
				defer wg.Done()
				defer func() { <-sem }()
				out, ierr := p.processIndexed(bctx, i, item)
				if ierr != nil {
					errs[i] = ierr
					if opts.ErrorPolicy == PolicyFailFast {
						cancel()
					}
					return
				}
				result.Items[i] = out
			}(i, item)
		}
	}
	wg.Wait()

	for _, ierr := range errs {
		if ierr == nil {
			continue
		}
		switch opts.ErrorPolicy {
		case PolicyFailFast:
			return nil, ierr
		case PolicySkip:
			p.logger.Warn("batch item skipped",
				zap.String("pipeline", p.name),
				zap.Int("index", ierr.Index),
				zap.String("stage", ierr.Stage),
				zap.Error(ierr.Err))
		case PolicyCollect:
			result.Errors = append(result.Errors, ierr)
		}
	}
	return result, nil
}

// Totals returns lifetime processed and failed item counts.
func (p *Pipeline) Totals() (processed, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failed
}
