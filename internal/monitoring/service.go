// Package monitoring wires the metric registry, health registry, alert
// engine and optimization loop together, owns the adapter collectors, and
// exposes the request interceptor and the admin surface.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rdp-platform/opscore/internal/alerting"
	"github.com/rdp-platform/opscore/internal/cache"
	"github.com/rdp-platform/opscore/internal/health"
	"github.com/rdp-platform/opscore/internal/metrics"
	"github.com/rdp-platform/opscore/internal/optimize"
	"github.com/rdp-platform/opscore/internal/queue"
)

// Request metric names.
const (
	MetricRequestsTotal   = "requests_total"
	MetricRequestsActive  = "requests_active"
	MetricRequestDuration = "request_duration"
	MetricRequestsErrors  = "requests_errors"
)

// Config carries the façade's tunables.
type Config struct {
	MetricsPrefix    string
	CollectInterval  time.Duration
	HealthInterval   time.Duration
	MaxAlertHistory  int
	OptimizeEnabled  bool
	AnalysisInterval time.Duration
}

// DefaultConfig returns the façade defaults.
func DefaultConfig() Config {
	return Config{
		MetricsPrefix:    metrics.DefaultPrefix,
		CollectInterval:  10 * time.Second,
		HealthInterval:   30 * time.Second,
		MaxAlertHistory:  alerting.DefaultMaxHistorySize,
		OptimizeEnabled:  true,
		AnalysisInterval: optimize.DefaultAnalysisInterval,
	}
}

type collectorHandle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the monitoring façade owning the observability core.
type Service struct {
	logger *zap.Logger
	cfg    Config

	Metrics   *metrics.Registry
	Health    *health.Registry
	Alerts    *alerting.Engine
	Optimizer *optimize.Loop // nil when optimization is disabled

	sysCollector *metrics.SystemCollector
	started      time.Time

	requests atomic.Int64
	errors   atomic.Int64

	mu         sync.Mutex
	collectors []*collectorHandle
	cacheSvc   *cache.Service
	queues     []*queue.Queue
}

// NewService builds the façade: components, standard rules, health wiring.
// Call Start to begin the periodic work.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = metrics.DefaultPrefix
	}
	s := &Service{
		logger:  logger,
		cfg:     cfg,
		started: time.Now(),
	}

	s.Metrics = metrics.NewRegistry(logger, metrics.WithPrefix(cfg.MetricsPrefix))
	s.Health = health.NewRegistry(logger)
	s.Alerts = alerting.NewEngine(logger, alerting.WithMaxHistory(cfg.MaxAlertHistory))
	if cfg.OptimizeEnabled {
		s.Optimizer = optimize.NewLoop(logger, cfg.AnalysisInterval)
	}
	s.sysCollector = metrics.NewSystemCollector(s.Metrics, logger, cfg.CollectInterval)

	s.Metrics.Register(MetricRequestsTotal, metrics.KindCounter,
		"Total HTTP requests", "method", "route", "status")
	s.Metrics.Register(MetricRequestsActive, metrics.KindGauge,
		"HTTP requests currently in flight")
	s.Metrics.Register(MetricRequestDuration, metrics.KindHistogram,
		"HTTP request duration in milliseconds", "method", "route", "status")
	s.Metrics.Register(MetricRequestsErrors, metrics.KindCounter,
		"HTTP requests answered with 4xx or 5xx", "method", "route", "status")

	s.registerStandardRules()
	s.Alerts.AddHealthCheckRule(s.Health)
	return s
}

// registerStandardRules installs the default alert rules over the façade's
// own reads.
func (s *Service) registerStandardRules() {
	read := func(name string) func() float64 {
		return func() float64 {
			v, _ := s.Metrics.Get(name, nil)
			return v
		}
	}

	s.Alerts.AddMetricRule("high_cpu_load",
		read(metrics.MetricSystemCPUPercent),
		alerting.CompareGT, 90,
		alerting.SeverityCritical,
		"CPU load is above 90%", time.Minute)

	s.Alerts.AddMetricRule("high_memory_usage",
		read(metrics.MetricSystemMemoryPercent),
		alerting.CompareGT, 90,
		alerting.SeverityCritical,
		"Memory usage is above 90%", time.Minute)

	s.Alerts.AddMetricRule("high_error_rate",
		s.ErrorRate,
		alerting.CompareGT, 5,
		alerting.SeverityError,
		"Request error rate is above 5%", time.Minute)

	s.Alerts.AddMetricRule("low_cache_hit_rate",
		s.CacheHitRate,
		alerting.CompareLT, 50,
		alerting.SeverityWarning,
		"Cache hit rate fell below 50%", 5*time.Minute)

	s.Alerts.AddMetricRule("queue_backlog",
		s.QueueBacklog,
		alerting.CompareGT, 10000,
		alerting.SeverityError,
		"Total queue backlog exceeds 10000 jobs", time.Minute)
}

// ErrorRate is the percentage of requests answered with 4xx or 5xx.
func (s *Service) ErrorRate() float64 {
	total := s.requests.Load()
	if total == 0 {
		return 0
	}
	return float64(s.errors.Load()) / float64(total) * 100
}

// CacheHitRate is the registered cache service's hit rate in percent; 100
// when no cache is registered.
func (s *Service) CacheHitRate() float64 {
	s.mu.Lock()
	cs := s.cacheSvc
	s.mu.Unlock()
	if cs == nil {
		return 100
	}
	return cs.HitRate() * 100
}

// QueueBacklog sums waiting and delayed jobs across registered queues.
func (s *Service) QueueBacklog() float64 {
	s.mu.Lock()
	queues := append([]*queue.Queue(nil), s.queues...)
	s.mu.Unlock()
	total := 0
	ctx := context.Background()
	for _, q := range queues {
		counts := q.Counts(ctx)
		total += counts.Waiting + counts.Delayed
	}
	return float64(total)
}

// Start begins the periodic collectors, health evaluation and rule loops.
func (s *Service) Start() {
	s.sysCollector.Start()
	s.Health.Start(s.cfg.HealthInterval)
	s.Alerts.Start()
	s.logger.Info("monitoring service started")
}

// Shutdown stops every owned timer and loop.
func (s *Service) Shutdown() {
	s.mu.Lock()
	collectors := s.collectors
	s.collectors = nil
	s.mu.Unlock()
	for _, c := range collectors {
		c.cancel()
		<-c.done
	}

	s.sysCollector.Stop()
	s.Health.Stop()
	s.Alerts.Stop()
	if s.Optimizer != nil {
		s.Optimizer.Stop()
	}
	s.logger.Info("monitoring service stopped")
}

// startCollector runs fn on the façade's collect interval until shutdown.
func (s *Service) startCollector(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &collectorHandle{name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.collectors = append(s.collectors, handle)
	s.mu.Unlock()

	go func() {
		defer close(handle.done)
		ticker := time.NewTicker(s.cfg.CollectInterval)
		defer ticker.Stop()
		fn(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Uptime reports how long the façade has been alive.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.started)
}

// StatusSummary is the admin status payload.
type StatusSummary struct {
	Status        health.Status  `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	ActiveAlerts  int            `json:"active_alerts"`
	Metrics       int            `json:"metrics"`
	Optimization  map[string]any `json:"optimization"`
}

// Status assembles the admin status summary.
func (s *Service) Status() StatusSummary {
	summary := StatusSummary{
		Status:        s.Health.Overall(),
		UptimeSeconds: s.Uptime().Seconds(),
		ActiveAlerts:  len(s.Alerts.Active()),
		Metrics:       len(s.Metrics.Names()),
	}
	if s.Optimizer == nil {
		summary.Optimization = map[string]any{"enabled": false}
	} else {
		summary.Optimization = map[string]any{
			"enabled":   true,
			"state":     s.Optimizer.State(),
			"automatic": s.Optimizer.Automatic(),
		}
	}
	return summary
}
