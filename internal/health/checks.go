package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rdp-platform/opscore/internal/metrics"
)

// Pinger is satisfied by database handles and any client exposing a ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KV is the minimal surface the store roundtrip check needs.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
}

// QueueStatus reports queue readiness counts.
type QueueStatus interface {
	Status() (waiting, active, failed int, err error)
}

// RegisterPing registers a ping-based dependency check.
func (r *Registry) RegisterPing(name string, p Pinger, opts CheckOptions) {
	r.Register(name, func(ctx context.Context) (map[string]any, error) {
		if err := p.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return nil, nil
	}, opts)
}

// RegisterStore registers a set/get roundtrip check against the key-value
// store.
func (r *Registry) RegisterStore(name string, kv KV, opts CheckOptions) {
	r.Register(name, func(ctx context.Context) (map[string]any, error) {
		key := fmt.Sprintf("health_check_%d", time.Now().UnixNano())
		if err := kv.Set(ctx, key, "ok", 5*time.Second); err != nil {
			return nil, fmt.Errorf("store set: %w", err)
		}
		defer kv.Del(ctx, key)
		val, found, err := kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("store get: %w", err)
		}
		if !found || val != "ok" {
			return nil, fmt.Errorf("store roundtrip returned %q", val)
		}
		return nil, nil
	}, opts)
}

// RegisterQueueReady registers a readiness check over queue counts.
func (r *Registry) RegisterQueueReady(name string, q QueueStatus, opts CheckOptions) {
	r.Register(name, func(ctx context.Context) (map[string]any, error) {
		waiting, active, failed, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("queue status: %w", err)
		}
		return map[string]any{
			"waiting": waiting,
			"active":  active,
			"failed":  failed,
		}, nil
	}, opts)
}

// RegisterHTTP registers a generic HTTP probe expecting a 2xx response.
func (r *Registry) RegisterHTTP(name, url string, opts CheckOptions) {
	client := &http.Client{}
	r.Register(name, func(ctx context.Context) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http probe: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return map[string]any{"status_code": resp.StatusCode},
				fmt.Errorf("http probe returned %d", resp.StatusCode)
		}
		return map[string]any{"status_code": resp.StatusCode}, nil
	}, opts)
}

// RegisterSystem registers a host resource check comparing memory usage and
// normalized CPU load against the given percentage thresholds.
func (r *Registry) RegisterSystem(name string, memPercent, loadPercent float64, opts CheckOptions) {
	r.Register(name, func(ctx context.Context) (map[string]any, error) {
		details := map[string]any{}

		if total, free, ok := metrics.ReadMemInfo(); ok && total > 0 {
			usedPct := (total - free) / total * 100
			details["memory_used_percent"] = usedPct
			if usedPct > memPercent {
				return details, fmt.Errorf("memory usage %.1f%% exceeds %.1f%%", usedPct, memPercent)
			}
		}

		if load1, ok := metrics.ReadLoadAvg(); ok {
			loadPct := load1 / float64(runtime.NumCPU()) * 100
			details["cpu_load_percent"] = loadPct
			if loadPct > loadPercent {
				return details, fmt.Errorf("cpu load %.1f%% exceeds %.1f%%", loadPct, loadPercent)
			}
		}

		return details, nil
	}, opts)
}
