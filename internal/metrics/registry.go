// Package metrics implements the typed metric registry backing the
// monitoring service: counters, gauges and histograms with optional label
// dimensions and a Prometheus-compatible text exposition.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Kind enumerates the supported metric kinds.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// DefaultBuckets is the fixed histogram bucket ladder.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// DefaultPrefix is prepended to metric names in the text exposition.
const DefaultPrefix = "app_"

// Metric is a registered metric descriptor together with its cells. Labelled
// metrics hold one cell per observed label tuple; label-less metrics hold a
// single cell under the empty tuple.
type Metric struct {
	Name       string
	Kind       Kind
	Help       string
	LabelNames []string

	mu    sync.Mutex
	cells map[string]*cell
	order []string // tuple keys in first-observation order
}

type cell struct {
	labels []string // values aligned with LabelNames

	// counter / gauge
	value float64

	// histogram
	sum     float64
	count   uint64
	buckets []uint64 // aligned with DefaultBuckets
}

// HistogramValue is a point-in-time snapshot of one histogram cell.
type HistogramValue struct {
	Sum     float64  `json:"sum"`
	Count   uint64   `json:"count"`
	Buckets []uint64 `json:"buckets"`
}

// Sample is one cell of a metric in a registry snapshot.
type Sample struct {
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Histogram *HistogramValue   `json:"histogram,omitempty"`
}

// MetricSnapshot is one metric with all of its cells.
type MetricSnapshot struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Help    string   `json:"help"`
	Samples []Sample `json:"samples"`
}

// Registry stores and updates registered metrics. All operations are safe
// for concurrent use; cell updates lock only the owning metric.
type Registry struct {
	prefix string
	logger *zap.Logger

	mu      sync.RWMutex
	metrics map[string]*Metric
	order   []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix overrides the exposition name prefix.
func WithPrefix(prefix string) Option {
	return func(r *Registry) { r.prefix = prefix }
}

// NewRegistry creates an empty metric registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		prefix:  DefaultPrefix,
		logger:  logger,
		metrics: make(map[string]*Metric),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register registers a metric. Registration is idempotent: re-registering an
// existing name returns the existing descriptor untouched.
func (r *Registry) Register(name string, kind Kind, help string, labelNames ...string) *Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.metrics[name]; ok {
		return m
	}

	m := &Metric{
		Name:       name,
		Kind:       kind,
		Help:       help,
		LabelNames: append([]string(nil), labelNames...),
		cells:      make(map[string]*cell),
	}
	r.metrics[name] = m
	r.order = append(r.order, name)
	return m
}

// lookup returns the metric or logs a warning and reports false.
func (r *Registry) lookup(name string) (*Metric, bool) {
	r.mu.RLock()
	m, ok := r.metrics[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("metric not registered", zap.String("metric", name))
	}
	return m, ok
}

// Set updates a metric cell. For gauges the value is assigned; for counters
// it is added (negative deltas are dropped with a warning); for histograms
// it is observed.
func (r *Registry) Set(name string, value float64, labels map[string]string) {
	m, ok := r.lookup(name)
	if !ok {
		return
	}
	switch m.Kind {
	case KindGauge:
		m.update(r, labels, func(c *cell) { c.value = value })
	case KindCounter:
		r.addCounter(m, value, labels)
	case KindHistogram:
		r.observe(m, value, labels)
	}
}

// IncrementCounter adds delta to a counter cell.
func (r *Registry) IncrementCounter(name string, delta float64, labels map[string]string) {
	m, ok := r.lookup(name)
	if !ok {
		return
	}
	if m.Kind != KindCounter {
		r.logger.Warn("increment on non-counter metric", zap.String("metric", name), zap.String("kind", string(m.Kind)))
		return
	}
	r.addCounter(m, delta, labels)
}

// AddGauge moves a gauge cell by delta; negative deltas are allowed.
func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	m, ok := r.lookup(name)
	if !ok {
		return
	}
	if m.Kind != KindGauge {
		r.logger.Warn("gauge add on non-gauge metric", zap.String("metric", name), zap.String("kind", string(m.Kind)))
		return
	}
	m.update(r, labels, func(c *cell) { c.value += delta })
}

func (r *Registry) addCounter(m *Metric, delta float64, labels map[string]string) {
	if delta < 0 {
		r.logger.Warn("counter delta must not be negative",
			zap.String("metric", m.Name),
			zap.Float64("delta", delta))
		return
	}
	m.update(r, labels, func(c *cell) { c.value += delta })
}

// ObserveHistogram records one observation.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	m, ok := r.lookup(name)
	if !ok {
		return
	}
	if m.Kind != KindHistogram {
		r.logger.Warn("observe on non-histogram metric", zap.String("metric", name), zap.String("kind", string(m.Kind)))
		return
	}
	r.observe(m, value, labels)
}

func (r *Registry) observe(m *Metric, value float64, labels map[string]string) {
	m.update(r, labels, func(c *cell) {
		if c.buckets == nil {
			c.buckets = make([]uint64, len(DefaultBuckets))
		}
		c.sum += value
		c.count++
		for i, bound := range DefaultBuckets {
			if value <= bound {
				c.buckets[i]++
			}
		}
	})
}

// Get returns the current value of a counter or gauge cell.
func (r *Registry) Get(name string, labels map[string]string) (float64, bool) {
	m, ok := r.lookup(name)
	if !ok {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[m.tupleKey(r, labels)]
	if !ok {
		return 0, false
	}
	return c.value, true
}

// GetHistogram returns a snapshot of a histogram cell.
func (r *Registry) GetHistogram(name string, labels map[string]string) (HistogramValue, bool) {
	m, ok := r.lookup(name)
	if !ok || m.Kind != KindHistogram {
		return HistogramValue{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[m.tupleKey(r, labels)]
	if !ok {
		return HistogramValue{}, false
	}
	return HistogramValue{
		Sum:     c.sum,
		Count:   c.count,
		Buckets: append([]uint64(nil), c.buckets...),
	}, true
}

// update applies fn to the cell addressed by labels, creating it on first
// observation.
func (m *Metric) update(r *Registry, labels map[string]string, fn func(*cell)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.tupleKey(r, labels)
	c, ok := m.cells[key]
	if !ok {
		values := make([]string, len(m.LabelNames))
		for i, ln := range m.LabelNames {
			values[i] = labels[ln]
		}
		c = &cell{labels: values}
		m.cells[key] = c
		m.order = append(m.order, key)
	}
	fn(c)
}

// tupleKey builds the cell key from the metric's label names in registration
// order. Missing labels are filled with the empty string and warned once per
// call site invocation.
func (m *Metric) tupleKey(r *Registry, labels map[string]string) string {
	if len(m.LabelNames) == 0 {
		return ""
	}
	parts := make([]string, len(m.LabelNames))
	for i, ln := range m.LabelNames {
		v, ok := labels[ln]
		if !ok {
			r.logger.Warn("missing metric label, using empty value",
				zap.String("metric", m.Name),
				zap.String("label", ln))
		}
		parts[i] = v
	}
	return strings.Join(parts, "\xff")
}

// Snapshot returns all metrics with their per-tuple values, in registration
// order.
func (r *Registry) Snapshot() []MetricSnapshot {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make([]MetricSnapshot, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		m := r.metrics[name]
		r.mu.RUnlock()

		m.mu.Lock()
		snap := MetricSnapshot{Name: m.Name, Kind: m.Kind, Help: m.Help}
		for _, key := range m.order {
			c := m.cells[key]
			s := Sample{}
			if len(m.LabelNames) > 0 {
				s.Labels = make(map[string]string, len(m.LabelNames))
				for i, ln := range m.LabelNames {
					s.Labels[ln] = c.labels[i]
				}
			}
			if m.Kind == KindHistogram {
				s.Histogram = &HistogramValue{
					Sum:     c.sum,
					Count:   c.count,
					Buckets: append([]uint64(nil), c.buckets...),
				}
			} else {
				s.Value = c.value
			}
			snap.Samples = append(snap.Samples, s)
		}
		m.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// RenderText renders the registry in the text exposition format. Label order
// inside braces follows registration order; metric order follows
// registration order.
func (r *Registry) RenderText() string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	var b strings.Builder
	for _, name := range names {
		r.mu.RLock()
		m := r.metrics[name]
		r.mu.RUnlock()

		full := r.prefix + m.Name
		fmt.Fprintf(&b, "# HELP %s %s\n", full, m.Help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", full, m.Kind)

		m.mu.Lock()
		for _, key := range m.order {
			c := m.cells[key]
			labels := formatLabels(m.LabelNames, c.labels)
			if m.Kind == KindHistogram {
				fmt.Fprintf(&b, "%s_sum%s %s\n", full, labels, formatValue(c.sum))
				fmt.Fprintf(&b, "%s_count%s %d\n", full, labels, c.count)
				for i, bound := range DefaultBuckets {
					fmt.Fprintf(&b, "%s_bucket%s %d\n", full, appendLabel(m.LabelNames, c.labels, "le", formatValue(bound)), c.buckets[i])
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", full, appendLabel(m.LabelNames, c.labels, "le", "+Inf"), c.count)
			} else {
				fmt.Fprintf(&b, "%s%s %s\n", full, labels, formatValue(c.value))
			}
		}
		m.mu.Unlock()
	}
	return b.String()
}

// Names returns registered metric names sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

func formatLabels(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", n, values[i])
	}
	b.WriteByte('}')
	return b.String()
}

// appendLabel renders labels with one extra trailing pair, as used for the
// histogram le label.
func appendLabel(names, values []string, extraName, extraValue string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", n, values[i])
	}
	if len(names) > 0 {
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "%s=%q", extraName, extraValue)
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
