// Package optimize runs the feedback-driven performance optimization loop:
// analyze registered optimizers, apply the ones that report room for
// improvement, then verify the effect after a settle delay.
package optimize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the loop's single-flight state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateOptimizing State = "optimizing"
	StateVerifying  State = "verifying"
)

// ErrBusy is returned when a trigger arrives while the loop is not idle.
var ErrBusy = fmt.Errorf("optimization already in progress")

// Analysis is one optimizer's assessment of its subsystem.
type Analysis struct {
	Optimizable bool               `json:"optimizable"`
	Metrics     map[string]float64 `json:"metrics"`
	Evidence    map[string]any     `json:"evidence,omitempty"`
}

// Action is one concrete adjustment applied by an optimizer.
type Action struct {
	Type        string `json:"type"`
	Target      string `json:"target"`
	Before      any    `json:"before,omitempty"`
	After       any    `json:"after,omitempty"`
	Description string `json:"description,omitempty"`
}

// Optimization is the set of adjustments one optimizer applied.
type Optimization struct {
	Actions []Action `json:"actions"`
}

// Verification compares the subsystem before and after an optimization.
type Verification struct {
	Before             map[string]float64 `json:"before"`
	After              map[string]float64 `json:"after"`
	Improvements       map[string]float64 `json:"improvements"`
	OverallImprovement float64            `json:"overall_improvement"`
	Success            bool               `json:"success"`
	Error              string             `json:"error,omitempty"`
}

// Optimizer is a pluggable analyze/optimize/verify descriptor.
type Optimizer interface {
	Name() string
	IsApplicable(ctx context.Context) bool
	Analyze(ctx context.Context) (*Analysis, error)
	Optimize(ctx context.Context, analysis *Analysis) (*Optimization, error)
	Verify(ctx context.Context, analysis *Analysis, optimization *Optimization) (*Verification, error)
	// SettleDelay is how long the loop waits after optimizing before
	// verification re-measures.
	SettleDelay() time.Duration
}

// Benchmark is the most recent analysis snapshot across all optimizers.
type Benchmark struct {
	Timestamp time.Time            `json:"timestamp"`
	Analyses  map[string]*Analysis `json:"analyses"`
	Errors    map[string]string    `json:"errors,omitempty"`
}

// OptimizerResult is one optimizer's outcome inside a history entry.
type OptimizerResult struct {
	Optimization *Optimization `json:"optimization,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// HistoryEntry records one optimization run.
type HistoryEntry struct {
	ID          string                      `json:"id"`
	StartedAt   time.Time                   `json:"started_at"`
	CompletedAt time.Time                   `json:"completed_at"`
	Optimizers  []string                    `json:"optimizers"`
	Results     map[string]*OptimizerResult `json:"results"`
}

// DefaultAnalysisInterval paces automatic mode.
const DefaultAnalysisInterval = 5 * time.Minute

const maxHistoryEntries = 100

// Loop owns the optimizer registry and drives the state machine
// Idle -> Analyzing -> (Optimizing -> Verifying)? -> Idle. Triggers while
// the loop is not idle are rejected with ErrBusy.
type Loop struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	state      State
	order      []string
	optimizers map[string]Optimizer
	benchmark  *Benchmark
	history    []*HistoryEntry
	automatic  bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewLoop creates an idle optimization loop.
func NewLoop(logger *zap.Logger, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultAnalysisInterval
	}
	return &Loop{
		logger:     logger,
		interval:   interval,
		state:      StateIdle,
		optimizers: make(map[string]Optimizer),
	}
}

// Register validates and adds an optimizer.
func (l *Loop) Register(opt Optimizer) error {
	if opt == nil || opt.Name() == "" {
		return fmt.Errorf("optimizer must have a name")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.optimizers[opt.Name()]; exists {
		return fmt.Errorf("optimizer %q already registered", opt.Name())
	}
	l.optimizers[opt.Name()] = opt
	l.order = append(l.order, opt.Name())
	return nil
}

// State returns the current state machine position.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Benchmark returns the most recent analysis snapshot.
func (l *Loop) Benchmark() *Benchmark {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.benchmark
}

// History returns up to limit entries, newest first.
func (l *Loop) History(limit int) []*HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*HistoryEntry, n)
	for i := 0; i < n; i++ {
		out[i] = l.history[len(l.history)-1-i]
	}
	return out
}

// Automatic reports whether automatic mode is on.
func (l *Loop) Automatic() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.automatic
}

// Analyze runs every applicable optimizer's analysis and returns the names
// that report optimization potential. In automatic mode a non-empty result
// immediately continues into Optimize.
func (l *Loop) Analyze(ctx context.Context) (*Benchmark, []string, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	l.state = StateAnalyzing
	optimizers := l.snapshotOptimizersLocked()
	automatic := l.automatic
	l.mu.Unlock()

	bench := &Benchmark{
		Timestamp: time.Now(),
		Analyses:  make(map[string]*Analysis),
		Errors:    make(map[string]string),
	}
	var toRun []string
	for _, opt := range optimizers {
		if !opt.IsApplicable(ctx) {
			continue
		}
		analysis, err := opt.Analyze(ctx)
		if err != nil {
			bench.Errors[opt.Name()] = err.Error()
			l.logger.Warn("optimizer analysis failed",
				zap.String("optimizer", opt.Name()),
				zap.Error(err))
			continue
		}
		bench.Analyses[opt.Name()] = analysis
		if analysis.Optimizable {
			toRun = append(toRun, opt.Name())
		}
	}

	l.mu.Lock()
	l.benchmark = bench
	if automatic && len(toRun) > 0 {
		// Internally driven Analyzing -> Optimizing transition.
		l.state = StateOptimizing
		l.mu.Unlock()
		if _, err := l.runOptimization(ctx, toRun, bench); err != nil {
			return bench, toRun, err
		}
		return bench, toRun, nil
	}
	l.state = StateIdle
	l.mu.Unlock()
	return bench, toRun, nil
}

// Optimize applies the named optimizers using the most recent benchmark.
func (l *Loop) Optimize(ctx context.Context, names []string) (*HistoryEntry, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	if l.benchmark == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("no analysis benchmark available, run analyze first")
	}
	bench := l.benchmark
	l.state = StateOptimizing
	l.mu.Unlock()

	return l.runOptimization(ctx, names, bench)
}

// runOptimization executes the Optimizing and Verifying phases. The caller
// has already moved the state to Optimizing.
func (l *Loop) runOptimization(ctx context.Context, names []string, bench *Benchmark) (*HistoryEntry, error) {
	entry := &HistoryEntry{
		ID:         uuid.NewString(),
		StartedAt:  time.Now(),
		Optimizers: append([]string(nil), names...),
		Results:    make(map[string]*OptimizerResult),
	}

	for _, name := range names {
		result := &OptimizerResult{}
		entry.Results[name] = result

		l.mu.Lock()
		opt, ok := l.optimizers[name]
		l.mu.Unlock()
		if !ok {
			result.Error = fmt.Sprintf("optimizer %q not registered", name)
			continue
		}
		analysis, ok := bench.Analyses[name]
		if !ok {
			result.Error = fmt.Sprintf("no analysis for optimizer %q in benchmark", name)
			continue
		}

		optimization, err := opt.Optimize(ctx, analysis)
		if err != nil {
			result.Error = err.Error()
			l.logger.Warn("optimizer failed",
				zap.String("optimizer", name),
				zap.Error(err))
			continue
		}
		result.Optimization = optimization
		l.logger.Info("optimization applied",
			zap.String("optimizer", name),
			zap.Int("actions", len(optimization.Actions)))
	}

	l.mu.Lock()
	l.state = StateVerifying
	l.mu.Unlock()

	for _, name := range names {
		result := entry.Results[name]
		if result.Optimization == nil {
			continue
		}
		l.mu.Lock()
		opt := l.optimizers[name]
		l.mu.Unlock()
		if opt == nil {
			continue
		}

		if err := sleepCtx(ctx, opt.SettleDelay()); err != nil {
			result.Error = err.Error()
			break
		}
		verification, err := opt.Verify(ctx, bench.Analyses[name], result.Optimization)
		if err != nil {
			result.Verification = &Verification{Error: err.Error()}
			l.logger.Warn("verification failed",
				zap.String("optimizer", name),
				zap.Error(err))
			continue
		}
		result.Verification = verification
		l.logger.Info("optimization verified",
			zap.String("optimizer", name),
			zap.Float64("overall_improvement", verification.OverallImprovement),
			zap.Bool("success", verification.Success))
	}

	entry.CompletedAt = time.Now()

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > maxHistoryEntries {
		l.history = l.history[len(l.history)-maxHistoryEntries:]
	}
	l.state = StateIdle
	l.mu.Unlock()
	return entry, nil
}

// EnableAutomatic turns on automatic mode and starts the periodic analysis
// timer.
func (l *Loop) EnableAutomatic() {
	l.mu.Lock()
	if l.automatic {
		l.mu.Unlock()
		return
	}
	l.automatic = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	interval := l.interval
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := l.Analyze(ctx); err != nil {
					l.logger.Debug("automatic analysis skipped", zap.Error(err))
				}
			}
		}
	}()
	l.logger.Info("automatic optimization enabled", zap.Duration("interval", interval))
}

// DisableAutomatic turns off automatic mode and stops the timer.
func (l *Loop) DisableAutomatic() {
	l.mu.Lock()
	if !l.automatic {
		l.mu.Unlock()
		return
	}
	l.automatic = false
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	l.logger.Info("automatic optimization disabled")
}

// Stop shuts the loop down.
func (l *Loop) Stop() {
	l.DisableAutomatic()
}

// Names returns registered optimizer names in registration order.
func (l *Loop) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Loop) snapshotOptimizersLocked() []Optimizer {
	out := make([]Optimizer, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.optimizers[name])
	}
	return out
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
