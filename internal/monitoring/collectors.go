package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rdp-platform/opscore/internal/cache"
	"github.com/rdp-platform/opscore/internal/health"
	"github.com/rdp-platform/opscore/internal/metrics"
	"github.com/rdp-platform/opscore/internal/optimize"
	"github.com/rdp-platform/opscore/internal/queue"
)

// Database is the surface a registered database adapter must provide.
type Database interface {
	Ping(ctx context.Context) error
	Stats() optimize.DatabaseStats
}

// PoolResizer is optionally implemented by database adapters whose
// connection pool the optimizer may grow.
type PoolResizer interface {
	SetPoolSize(size int)
}

// RegisterDatabase adds a critical ping health check and a periodic
// collector sampling pool statistics into the registry.
func (s *Service) RegisterDatabase(name string, db Database) {
	s.Metrics.Register("db_pool_size", metrics.KindGauge, "Database connection pool size", "db")
	s.Metrics.Register("db_pool_in_use", metrics.KindGauge, "Database connections in use", "db")
	s.Metrics.Register("db_wait_count", metrics.KindGauge, "Database pool wait count", "db")
	s.Metrics.Register("db_slow_queries", metrics.KindGauge, "Slow queries observed", "db")
	s.Metrics.Register("db_total_queries", metrics.KindGauge, "Total queries observed", "db")

	s.Health.RegisterPing("database_"+name, db, health.CheckOptions{
		Timeout:  3 * time.Second,
		Critical: true,
	})

	labels := map[string]string{"db": name}
	s.startCollector("database_"+name, func(context.Context) {
		st := db.Stats()
		s.Metrics.Set("db_pool_size", float64(st.PoolSize), labels)
		s.Metrics.Set("db_pool_in_use", float64(st.InUse), labels)
		s.Metrics.Set("db_wait_count", float64(st.WaitCount), labels)
		s.Metrics.Set("db_slow_queries", float64(st.SlowQueries), labels)
		s.Metrics.Set("db_total_queries", float64(st.TotalQueries), labels)
	})

	resizer, ok := db.(PoolResizer)
	if s.Optimizer == nil || !ok {
		return
	}
	opt, err := optimize.NewDatabaseOptimizer(optimize.DatabaseControls{
		Stats:       db.Stats,
		SetPoolSize: resizer.SetPoolSize,
	}, optimize.DefaultDatabaseOptimizerConfig())
	if err == nil {
		err = s.Optimizer.Register(opt)
	}
	if err != nil {
		s.logger.Warn("database optimizer not registered", zap.Error(err))
	}
}

// RegisterKeyValueStore adds a roundtrip health check against the store.
func (s *Service) RegisterKeyValueStore(name string, store cache.Store) {
	s.Health.RegisterStore("kv_"+name, store, health.CheckOptions{
		Timeout:  2 * time.Second,
		Critical: true,
	})
}

// RegisterQueueSystem adds a non-critical readiness check and a periodic
// collector sampling job counts per queue.
func (s *Service) RegisterQueueSystem(q *queue.Queue) {
	s.Metrics.Register("queue_jobs", metrics.KindGauge,
		"Jobs per queue and status", "queue", "status")

	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()

	s.Health.RegisterQueueReady("queue_"+q.Name(), queueStatusAdapter{q}, health.CheckOptions{
		Timeout:  2 * time.Second,
		Critical: false,
	})

	s.startCollector("queue_"+q.Name(), func(ctx context.Context) {
		counts := q.Counts(ctx)
		for status, n := range map[string]int{
			"waiting":   counts.Waiting,
			"active":    counts.Active,
			"completed": counts.Completed,
			"failed":    counts.Failed,
			"delayed":   counts.Delayed,
		} {
			s.Metrics.Set("queue_jobs", float64(n), map[string]string{
				"queue":  q.Name(),
				"status": status,
			})
		}
	})

	if s.Optimizer == nil {
		return
	}
	opt, err := optimize.NewQueueOptimizer(optimize.QueueControls{
		Stats: func() optimize.QueueStats {
			counts := q.Counts(context.Background())
			processed, failed := q.Totals()
			return optimize.QueueStats{
				Backlog:     int64(counts.Waiting + counts.Delayed),
				Active:      int64(counts.Active),
				Failed:      failed,
				Processed:   processed,
				Concurrency: q.Concurrency(),
			}
		},
		SetConcurrency: q.SetConcurrency,
	}, optimize.DefaultQueueOptimizerConfig())
	if err == nil {
		err = s.Optimizer.Register(opt)
	}
	if err != nil {
		// A second queue system keeps its collectors; only one feeds the
		// queue optimizer.
		s.logger.Debug("queue optimizer not registered", zap.Error(err))
	}
}

// queueStatusAdapter bridges a queue into the health readiness shape.
type queueStatusAdapter struct {
	q *queue.Queue
}

func (a queueStatusAdapter) Status() (waiting, active, failed int, err error) {
	counts := a.q.Counts(context.Background())
	return counts.Waiting, counts.Active, counts.Failed, nil
}

// RegisterCacheService adds a ping health check and a periodic collector
// sampling hit and miss counters.
func (s *Service) RegisterCacheService(cs *cache.Service) {
	s.Metrics.Register("cache_hits", metrics.KindGauge, "Cache hits observed")
	s.Metrics.Register("cache_misses", metrics.KindGauge, "Cache misses observed")
	s.Metrics.Register("cache_hit_rate", metrics.KindGauge, "Cache hit rate percent")

	s.mu.Lock()
	s.cacheSvc = cs
	s.mu.Unlock()

	s.Health.Register("cache", func(ctx context.Context) (map[string]any, error) {
		if err := cs.Ping(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"hit_rate": cs.HitRate()}, nil
	}, health.CheckOptions{Timeout: 2 * time.Second, Critical: false})

	s.startCollector("cache", func(context.Context) {
		st := cs.Stats()
		s.Metrics.Set("cache_hits", float64(st.Hits), nil)
		s.Metrics.Set("cache_misses", float64(st.Misses), nil)
		s.Metrics.Set("cache_hit_rate", cs.HitRate()*100, nil)
	})
}
