// Command opscore runs the operational substrate service: monitoring core,
// cache layer, job queues and the admin surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rdp-platform/opscore/internal/cache"
	"github.com/rdp-platform/opscore/internal/config"
	"github.com/rdp-platform/opscore/internal/health"
	"github.com/rdp-platform/opscore/internal/monitoring"
	"github.com/rdp-platform/opscore/internal/optimize"
	"github.com/rdp-platform/opscore/internal/queue"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "opscore",
		Short:         "Operational substrate: monitoring, queues, cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the opscore service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger, err := buildLogger(cfg.Logging.Encoding, level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Key-value store: redis when configured, in-memory otherwise.
	var store cache.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = cache.NewRedisStore(client)
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = cache.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	cacheSvc := cache.NewService(store, logger,
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		cache.WithLockTTL(cfg.Cache.LockTTL.Std()),
	)
	warmer := cache.NewWarmer(cacheSvc, logger,
		cache.WithWarmupConcurrency(cfg.Cache.WarmupConcurrency),
		cache.WithWarmupTimeout(cfg.Cache.WarmupTimeout.Std()),
	)

	queueStore := queue.NewMemoryStore()
	manager := queue.NewManager(queueStore, logger,
		queue.WithDefaultAttempts(cfg.Queue.DefaultAttempts),
		queue.WithBackoffBase(cfg.Queue.BackoffBase.Std()),
	)
	dlq := queue.NewDeadLetterQueue(manager, logger, cfg.DeadLetter.QueueName,
		queue.WithDLQMaxRetries(cfg.DeadLetter.MaxRetries),
		queue.WithDLQRetryInterval(cfg.DeadLetter.RetryInterval.Std()),
		queue.WithDLQTTL(cfg.DeadLetter.TTL.Std()),
		queue.WithDLQCleanupEvery(cfg.DeadLetter.CleanupEvery.Std()),
	)

	mon := monitoring.NewService(monitoring.Config{
		MetricsPrefix:    cfg.Metrics.Prefix,
		CollectInterval:  cfg.Metrics.CollectInterval.Std(),
		HealthInterval:   cfg.Health.CheckInterval.Std(),
		MaxAlertHistory:  cfg.Alerting.MaxHistorySize,
		OptimizeEnabled:  cfg.Optimize.Enabled,
		AnalysisInterval: cfg.Optimize.AnalysisInterval.Std(),
	}, logger)

	mon.RegisterKeyValueStore("primary", store)
	mon.RegisterCacheService(cacheSvc)
	mon.Health.RegisterSystem("system", 90, 95, health.CheckOptions{
		Timeout:  cfg.Health.CheckTimeout.Std(),
		Critical: false,
	})

	wireOptimizers(mon, cacheSvc, warmer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon.Start()
	warmer.StartScheduled()
	if result := warmer.WarmOnStartup(ctx); len(result.Failed) > 0 {
		logger.Warn("some warmup tasks failed", zap.Strings("failed", result.Failed))
	}
	if cfg.Optimize.Automatic && mon.Optimizer != nil {
		mon.Optimizer.EnableAutomatic()
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				if err := level.UnmarshalText([]byte(next.Logging.Level)); err == nil {
					logger.Info("log level updated", zap.String("level", next.Logging.Level))
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watcher exited", zap.Error(err))
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), mon.Instrument())
	mon.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("admin server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	srv.Shutdown(shutdownCtx)

	warmer.Stop()
	dlq.Close()
	manager.CloseAll()
	mon.Shutdown()
	return nil
}

// wireOptimizers registers the concrete optimizers the service can drive
// out of the box: cache TTL/prewarm tuning. Database and queue optimizers
// attach when their adapters register.
func wireOptimizers(mon *monitoring.Service, cacheSvc *cache.Service, warmer *cache.Warmer, logger *zap.Logger) {
	if mon.Optimizer == nil {
		return
	}
	cacheOpt, err := optimize.NewCacheOptimizer(optimize.CacheControls{
		Stats: func() optimize.CacheStats {
			st := cacheSvc.Stats()
			return optimize.CacheStats{Hits: st.Hits, Misses: st.Misses}
		},
		DefaultTTL: cacheSvc.DefaultTTL,
		SetTTL:     cacheSvc.SetDefaultTTL,
		Prewarm:    warmer.WarmCore,
	}, optimize.DefaultCacheOptimizerConfig())
	if err != nil {
		logger.Warn("cache optimizer not wired", zap.Error(err))
		return
	}
	if err := mon.Optimizer.Register(cacheOpt); err != nil {
		logger.Warn("cache optimizer not registered", zap.Error(err))
	}
}

func buildLogger(encoding string, level zap.AtomicLevel) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if encoding == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller()), nil
}
