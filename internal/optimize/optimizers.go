package optimize

import (
	"context"
	"fmt"
	"time"
)

// compare computes per-metric improvement percentages and an equally
// weighted overall figure. higherIsBetter flags metrics where an increase is
// an improvement.
func compare(before, after map[string]float64, higherIsBetter map[string]bool) (map[string]float64, float64) {
	improvements := make(map[string]float64, len(before))
	total := 0.0
	count := 0
	for name, b := range before {
		a, ok := after[name]
		if !ok {
			continue
		}
		var pct float64
		switch {
		case b == 0 && a == 0:
			pct = 0
		case b == 0:
			if higherIsBetter[name] {
				pct = 100
			} else {
				pct = -100
			}
		default:
			pct = (a - b) / b * 100
			if !higherIsBetter[name] {
				pct = -pct
			}
		}
		improvements[name] = pct
		total += pct
		count++
	}
	if count == 0 {
		return improvements, 0
	}
	return improvements, total / float64(count)
}

// DatabaseStats is the sampled state the database optimizer reasons about.
type DatabaseStats struct {
	PoolSize     int
	InUse        int
	WaitCount    int64
	SlowQueries  int64
	TotalQueries int64
}

// DatabaseControls are the knobs the database optimizer may turn.
type DatabaseControls struct {
	Stats       func() DatabaseStats
	SetPoolSize func(size int)
}

// DatabaseOptimizerConfig holds the explicit thresholds and limits.
type DatabaseOptimizerConfig struct {
	SlowQueryRateThreshold float64       `json:"slow_query_rate_threshold"`
	PoolUtilizationLimit   float64       `json:"pool_utilization_limit"`
	MaxPoolSize            int           `json:"max_pool_size"`
	Settle                 time.Duration `json:"settle"`
}

// DefaultDatabaseOptimizerConfig returns the documented defaults.
func DefaultDatabaseOptimizerConfig() DatabaseOptimizerConfig {
	return DatabaseOptimizerConfig{
		SlowQueryRateThreshold: 0.05,
		PoolUtilizationLimit:   0.8,
		MaxPoolSize:            100,
		Settle:                 10 * time.Second,
	}
}

// DatabaseOptimizer grows the connection pool when utilization or the slow
// query rate indicate pressure.
type DatabaseOptimizer struct {
	controls DatabaseControls
	cfg      DatabaseOptimizerConfig
}

// NewDatabaseOptimizer validates the controls and builds the optimizer.
func NewDatabaseOptimizer(controls DatabaseControls, cfg DatabaseOptimizerConfig) (*DatabaseOptimizer, error) {
	if controls.Stats == nil {
		return nil, fmt.Errorf("database optimizer: Stats is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 10 * time.Second
	}
	return &DatabaseOptimizer{controls: controls, cfg: cfg}, nil
}

func (o *DatabaseOptimizer) Name() string               { return "database" }
func (o *DatabaseOptimizer) SettleDelay() time.Duration { return o.cfg.Settle }

func (o *DatabaseOptimizer) IsApplicable(context.Context) bool {
	return o.controls.SetPoolSize != nil
}

func (o *DatabaseOptimizer) metrics() map[string]float64 {
	s := o.controls.Stats()
	slowRate := 0.0
	if s.TotalQueries > 0 {
		slowRate = float64(s.SlowQueries) / float64(s.TotalQueries)
	}
	utilization := 0.0
	if s.PoolSize > 0 {
		utilization = float64(s.InUse) / float64(s.PoolSize)
	}
	return map[string]float64{
		"slow_query_rate":  slowRate,
		"pool_utilization": utilization,
		"wait_count":       float64(s.WaitCount),
	}
}

func (o *DatabaseOptimizer) Analyze(context.Context) (*Analysis, error) {
	m := o.metrics()
	return &Analysis{
		Optimizable: m["slow_query_rate"] > o.cfg.SlowQueryRateThreshold ||
			m["pool_utilization"] > o.cfg.PoolUtilizationLimit,
		Metrics: m,
		Evidence: map[string]any{
			"slow_query_rate_threshold": o.cfg.SlowQueryRateThreshold,
			"pool_utilization_limit":    o.cfg.PoolUtilizationLimit,
		},
	}, nil
}

func (o *DatabaseOptimizer) Optimize(_ context.Context, analysis *Analysis) (*Optimization, error) {
	s := o.controls.Stats()
	next := s.PoolSize + s.PoolSize/2
	if next <= s.PoolSize {
		next = s.PoolSize + 1
	}
	if next > o.cfg.MaxPoolSize {
		next = o.cfg.MaxPoolSize
	}
	if next == s.PoolSize {
		return &Optimization{}, nil
	}
	o.controls.SetPoolSize(next)
	return &Optimization{Actions: []Action{{
		Type:        "pool_resize",
		Target:      "connection_pool",
		Before:      s.PoolSize,
		After:       next,
		Description: fmt.Sprintf("grow pool from %d to %d", s.PoolSize, next),
	}}}, nil
}

func (o *DatabaseOptimizer) Verify(_ context.Context, analysis *Analysis, _ *Optimization) (*Verification, error) {
	after := o.metrics()
	improvements, overall := compare(analysis.Metrics, after, nil)
	return &Verification{
		Before:             analysis.Metrics,
		After:              after,
		Improvements:       improvements,
		OverallImprovement: overall,
		Success:            overall > 0,
	}, nil
}

// CacheStats is the sampled state the cache optimizer reasons about.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
}

// HitRate derives the hit ratio from the counters.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

// CacheControls are the knobs the cache optimizer may turn.
type CacheControls struct {
	Stats      func() CacheStats
	DefaultTTL func() time.Duration
	SetTTL     func(ttl time.Duration)
	Prewarm    func(ctx context.Context) error
}

// CacheOptimizerConfig holds the explicit thresholds and limits.
type CacheOptimizerConfig struct {
	HitRateThreshold float64       `json:"hit_rate_threshold"`
	TTLGrowthFactor  float64       `json:"ttl_growth_factor"`
	MaxTTL           time.Duration `json:"max_ttl"`
	Settle           time.Duration `json:"settle"`
}

// DefaultCacheOptimizerConfig returns the documented defaults.
func DefaultCacheOptimizerConfig() CacheOptimizerConfig {
	return CacheOptimizerConfig{
		HitRateThreshold: 0.5,
		TTLGrowthFactor:  1.5,
		MaxTTL:           24 * time.Hour,
		Settle:           10 * time.Second,
	}
}

// CacheOptimizer stretches TTLs and triggers a prewarm when the hit rate
// falls under the threshold.
type CacheOptimizer struct {
	controls CacheControls
	cfg      CacheOptimizerConfig
}

// NewCacheOptimizer validates the controls and builds the optimizer.
func NewCacheOptimizer(controls CacheControls, cfg CacheOptimizerConfig) (*CacheOptimizer, error) {
	if controls.Stats == nil {
		return nil, fmt.Errorf("cache optimizer: Stats is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 10 * time.Second
	}
	if cfg.TTLGrowthFactor <= 1 {
		cfg.TTLGrowthFactor = 1.5
	}
	return &CacheOptimizer{controls: controls, cfg: cfg}, nil
}

func (o *CacheOptimizer) Name() string               { return "cache" }
func (o *CacheOptimizer) SettleDelay() time.Duration { return o.cfg.Settle }

func (o *CacheOptimizer) IsApplicable(context.Context) bool {
	return o.controls.SetTTL != nil || o.controls.Prewarm != nil
}

func (o *CacheOptimizer) metrics() map[string]float64 {
	s := o.controls.Stats()
	return map[string]float64{
		"hit_rate":  s.HitRate(),
		"evictions": float64(s.Evictions),
		"entries":   float64(s.Entries),
	}
}

func (o *CacheOptimizer) Analyze(context.Context) (*Analysis, error) {
	m := o.metrics()
	return &Analysis{
		Optimizable: m["hit_rate"] < o.cfg.HitRateThreshold,
		Metrics:     m,
		Evidence: map[string]any{
			"hit_rate_threshold": o.cfg.HitRateThreshold,
		},
	}, nil
}

func (o *CacheOptimizer) Optimize(ctx context.Context, _ *Analysis) (*Optimization, error) {
	var actions []Action

	if o.controls.SetTTL != nil && o.controls.DefaultTTL != nil {
		current := o.controls.DefaultTTL()
		next := time.Duration(float64(current) * o.cfg.TTLGrowthFactor)
		if next > o.cfg.MaxTTL {
			next = o.cfg.MaxTTL
		}
		if next > current {
			o.controls.SetTTL(next)
			actions = append(actions, Action{
				Type:        "ttl_adjust",
				Target:      "default_ttl",
				Before:      current.String(),
				After:       next.String(),
				Description: "stretch default TTL to retain entries longer",
			})
		}
	}

	if o.controls.Prewarm != nil {
		if err := o.controls.Prewarm(ctx); err != nil {
			return &Optimization{Actions: actions}, fmt.Errorf("prewarm: %w", err)
		}
		actions = append(actions, Action{
			Type:        "prewarm",
			Target:      "cache",
			Description: "re-run core warmup tasks",
		})
	}

	return &Optimization{Actions: actions}, nil
}

func (o *CacheOptimizer) Verify(_ context.Context, analysis *Analysis, _ *Optimization) (*Verification, error) {
	after := o.metrics()
	improvements, overall := compare(analysis.Metrics, after, map[string]bool{
		"hit_rate": true,
		"entries":  true,
	})
	return &Verification{
		Before:             analysis.Metrics,
		After:              after,
		Improvements:       improvements,
		OverallImprovement: overall,
		Success:            overall > 0,
	}, nil
}

// QueueStats is the sampled state the queue optimizer reasons about.
type QueueStats struct {
	Backlog     int64
	Active      int64
	Failed      int64
	Processed   int64
	Concurrency int
}

// QueueControls are the knobs the queue optimizer may turn.
type QueueControls struct {
	Stats          func() QueueStats
	SetConcurrency func(n int)
}

// QueueOptimizerConfig holds the explicit thresholds and limits.
type QueueOptimizerConfig struct {
	BacklogThreshold    int64         `json:"backlog_threshold"`
	FailureRateLimit    float64       `json:"failure_rate_limit"`
	MaxConcurrency      int           `json:"max_concurrency"`
	ConcurrencyIncrease int           `json:"concurrency_increase"`
	Settle              time.Duration `json:"settle"`
}

// DefaultQueueOptimizerConfig returns the documented defaults.
func DefaultQueueOptimizerConfig() QueueOptimizerConfig {
	return QueueOptimizerConfig{
		BacklogThreshold:    1000,
		FailureRateLimit:    0.1,
		MaxConcurrency:      20,
		ConcurrencyIncrease: 2,
		Settle:              15 * time.Second,
	}
}

// QueueOptimizer raises consumer concurrency when backlog builds up.
type QueueOptimizer struct {
	controls QueueControls
	cfg      QueueOptimizerConfig
}

// NewQueueOptimizer validates the controls and builds the optimizer.
func NewQueueOptimizer(controls QueueControls, cfg QueueOptimizerConfig) (*QueueOptimizer, error) {
	if controls.Stats == nil {
		return nil, fmt.Errorf("queue optimizer: Stats is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 15 * time.Second
	}
	if cfg.ConcurrencyIncrease <= 0 {
		cfg.ConcurrencyIncrease = 2
	}
	return &QueueOptimizer{controls: controls, cfg: cfg}, nil
}

func (o *QueueOptimizer) Name() string               { return "queue" }
func (o *QueueOptimizer) SettleDelay() time.Duration { return o.cfg.Settle }

func (o *QueueOptimizer) IsApplicable(context.Context) bool {
	return o.controls.SetConcurrency != nil
}

func (o *QueueOptimizer) metrics() map[string]float64 {
	s := o.controls.Stats()
	failureRate := 0.0
	if s.Processed > 0 {
		failureRate = float64(s.Failed) / float64(s.Processed)
	}
	return map[string]float64{
		"backlog":      float64(s.Backlog),
		"failure_rate": failureRate,
		"concurrency":  float64(s.Concurrency),
	}
}

func (o *QueueOptimizer) Analyze(context.Context) (*Analysis, error) {
	m := o.metrics()
	return &Analysis{
		Optimizable: int64(m["backlog"]) > o.cfg.BacklogThreshold &&
			m["failure_rate"] <= o.cfg.FailureRateLimit,
		Metrics: m,
		Evidence: map[string]any{
			"backlog_threshold":  o.cfg.BacklogThreshold,
			"failure_rate_limit": o.cfg.FailureRateLimit,
		},
	}, nil
}

func (o *QueueOptimizer) Optimize(context.Context, *Analysis) (*Optimization, error) {
	s := o.controls.Stats()
	next := s.Concurrency + o.cfg.ConcurrencyIncrease
	if next > o.cfg.MaxConcurrency {
		next = o.cfg.MaxConcurrency
	}
	if next <= s.Concurrency {
		return &Optimization{}, nil
	}
	o.controls.SetConcurrency(next)
	return &Optimization{Actions: []Action{{
		Type:        "concurrency_adjust",
		Target:      "consumers",
		Before:      s.Concurrency,
		After:       next,
		Description: fmt.Sprintf("raise consumer concurrency from %d to %d", s.Concurrency, next),
	}}}, nil
}

func (o *QueueOptimizer) Verify(_ context.Context, analysis *Analysis, _ *Optimization) (*Verification, error) {
	after := o.metrics()
	improvements, _ := compare(analysis.Metrics, after, nil)
	// Concurrency is a knob, not an outcome; judge the backlog drain.
	delete(improvements, "concurrency")
	backlogGain := improvements["backlog"]
	return &Verification{
		Before:             analysis.Metrics,
		After:              after,
		Improvements:       improvements,
		OverallImprovement: backlogGain,
		Success:            backlogGain > 0,
	}, nil
}
