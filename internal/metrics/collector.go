package metrics

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// System metric names pre-registered by the collector.
const (
	MetricSystemMemoryTotal   = "system_memory_total_bytes"
	MetricSystemMemoryFree    = "system_memory_free_bytes"
	MetricSystemMemoryPercent = "system_memory_used_percent"
	MetricSystemLoad1         = "system_load_average_1m"
	MetricSystemCPUPercent    = "system_cpu_load_percent"
	MetricProcessUptime       = "process_uptime_seconds"
	MetricProcessGoroutines   = "process_goroutines"
	MetricProcessHeapBytes    = "process_heap_alloc_bytes"
)

// SystemCollector periodically samples host and process statistics into
// pre-registered gauges.
type SystemCollector struct {
	registry *Registry
	logger   *zap.Logger
	interval time.Duration
	start    time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSystemCollector registers the system gauges and returns a collector
// sampling at the given interval (default 10s when zero).
func NewSystemCollector(registry *Registry, logger *zap.Logger, interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	registry.Register(MetricSystemMemoryTotal, KindGauge, "Total system memory in bytes")
	registry.Register(MetricSystemMemoryFree, KindGauge, "Available system memory in bytes")
	registry.Register(MetricSystemMemoryPercent, KindGauge, "System memory usage percentage")
	registry.Register(MetricSystemLoad1, KindGauge, "1-minute load average")
	registry.Register(MetricSystemCPUPercent, KindGauge, "Load average normalized by CPU count, percent")
	registry.Register(MetricProcessUptime, KindGauge, "Process uptime in seconds")
	registry.Register(MetricProcessGoroutines, KindGauge, "Current goroutine count")
	registry.Register(MetricProcessHeapBytes, KindGauge, "Heap bytes allocated and in use")

	return &SystemCollector{
		registry: registry,
		logger:   logger,
		interval: interval,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
}

// Start begins periodic collection. The first sample is taken immediately.
func (sc *SystemCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.logger.Debug("system collector started", zap.Duration("interval", sc.interval))

	go func() {
		defer close(sc.done)
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()

		sc.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sc.Collect()
			}
		}
	}()
}

// Stop halts collection and waits for the loop to exit.
func (sc *SystemCollector) Stop() {
	if sc.cancel == nil {
		return
	}
	sc.cancel()
	<-sc.done
}

// Collect takes one sample. Host statistics are best-effort: on platforms
// without procfs the memory and load gauges stay at their last value.
func (sc *SystemCollector) Collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sc.registry.Set(MetricProcessUptime, time.Since(sc.start).Seconds(), nil)
	sc.registry.Set(MetricProcessGoroutines, float64(runtime.NumGoroutine()), nil)
	sc.registry.Set(MetricProcessHeapBytes, float64(ms.HeapAlloc), nil)

	if total, free, ok := ReadMemInfo(); ok {
		sc.registry.Set(MetricSystemMemoryTotal, total, nil)
		sc.registry.Set(MetricSystemMemoryFree, free, nil)
		if total > 0 {
			sc.registry.Set(MetricSystemMemoryPercent, (total-free)/total*100, nil)
		}
	}

	if load1, ok := ReadLoadAvg(); ok {
		sc.registry.Set(MetricSystemLoad1, load1, nil)
		sc.registry.Set(MetricSystemCPUPercent, load1/float64(runtime.NumCPU())*100, nil)
	}
}

// ReadMemInfo parses MemTotal and MemAvailable from /proc/meminfo, in bytes.
// Exported for reuse by the system health check.
func ReadMemInfo() (total, free float64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			free = kb * 1024
		}
	}
	return total, free, total > 0
}

// ReadLoadAvg parses the 1-minute load average from /proc/loadavg.
func ReadLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load1, true
}
