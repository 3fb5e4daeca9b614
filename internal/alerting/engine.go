package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rdp-platform/opscore/internal/health"
)

// Comparison selects how a metric rule compares the sampled value to its
// threshold.
type Comparison string

const (
	CompareGT  Comparison = ">"
	CompareLT  Comparison = "<"
	CompareGTE Comparison = ">="
	CompareLTE Comparison = "<="
	CompareEQ  Comparison = "=="
	CompareNEQ Comparison = "!="
)

// Evaluate applies the comparison.
func (c Comparison) Evaluate(value, threshold float64) bool {
	switch c {
	case CompareGT:
		return value > threshold
	case CompareLT:
		return value < threshold
	case CompareGTE:
		return value >= threshold
	case CompareLTE:
		return value <= threshold
	case CompareEQ:
		return value == threshold
	case CompareNEQ:
		return value != threshold
	default:
		return false
	}
}

// Condition evaluates one rule tick. A true result raises (or keeps) the
// alert; returned data is attached to the raised alert.
type Condition func(ctx context.Context) (bool, map[string]any, error)

// Rule is a periodic alert condition.
type Rule struct {
	Name             string
	Condition        Condition
	Message          string
	MessageFunc      func(data map[string]any) string
	Severity         Severity
	Labels           []string
	CheckInterval    time.Duration
	AutoResolveAfter time.Duration
	Enabled          bool
}

func (r *Rule) message(data map[string]any) string {
	if r.MessageFunc != nil {
		return r.MessageFunc(data)
	}
	return r.Message
}

// DefaultCheckInterval applies when a rule leaves CheckInterval unset.
const DefaultCheckInterval = time.Minute

// DefaultMaxHistorySize bounds the alert history ring.
const DefaultMaxHistorySize = 1000

// Engine evaluates rules, owns active alerts, history and silences, and
// fans raised alerts out to the registered notifiers.
type Engine struct {
	logger        *zap.Logger
	maxHistory    int
	notifyTimeout time.Duration

	mu            sync.Mutex
	rules         map[string]*Rule
	ruleStops     map[string]chan struct{}
	active        map[string]*Alert
	history       []*Alert // newest first
	silences      map[string]*Silence
	silenceTimers map[string]*time.Timer
	resolveTimers map[string]*time.Timer // alert id -> auto-resolve timer
	notifiers     []Notifier
	running       bool
	wg            sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxHistory bounds the history ring.
func WithMaxHistory(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

// WithNotifyTimeout bounds each notifier delivery attempt.
func WithNotifyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// NewEngine creates an alert engine with the built-in logger notifier.
func NewEngine(logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:        logger,
		maxHistory:    DefaultMaxHistorySize,
		notifyTimeout: 5 * time.Second,
		rules:         make(map[string]*Rule),
		ruleStops:     make(map[string]chan struct{}),
		active:        make(map[string]*Alert),
		silences:      make(map[string]*Silence),
		silenceTimers: make(map[string]*time.Timer),
		resolveTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.notifiers = append(e.notifiers, NewLoggerNotifier(logger))
	return e
}

// AddNotifier appends a sink to the fan-out list.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// AddRule validates and registers a rule. If the engine is running and the
// rule is enabled its evaluation loop starts immediately.
func (e *Engine) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Condition == nil {
		return fmt.Errorf("rule %q: condition is required", rule.Name)
	}
	if rule.CheckInterval <= 0 {
		rule.CheckInterval = DefaultCheckInterval
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name]; exists {
		return fmt.Errorf("rule %q already registered", rule.Name)
	}
	e.rules[rule.Name] = &rule
	if e.running && rule.Enabled {
		e.startRuleLocked(&rule)
	}
	return nil
}

// RemoveRule stops and deletes a rule. Any active alert it raised stays
// active until resolved.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.ruleStops[name]; ok {
		close(stop)
		delete(e.ruleStops, name)
	}
	delete(e.rules, name)
}

// AddMetricRule registers a threshold rule over a metric-read closure.
func (e *Engine) AddMetricRule(name string, read func() float64, cmp Comparison, threshold float64, severity Severity, message string, interval time.Duration) error {
	return e.AddRule(Rule{
		Name: name,
		Condition: func(context.Context) (bool, map[string]any, error) {
			value := read()
			return cmp.Evaluate(value, threshold), map[string]any{
				"value":      value,
				"threshold":  threshold,
				"comparison": string(cmp),
			}, nil
		},
		Message:       message,
		Severity:      severity,
		CheckInterval: interval,
		Enabled:       true,
	})
}

// AddHealthCheckRule wires a health registry into the engine: failing checks
// raise health_check_<name> alerts and a degraded or unhealthy overall
// status raises a composite system_health alert, both auto-resolving on
// recovery.
func (e *Engine) AddHealthCheckRule(h *health.Registry) {
	h.OnStatusChange(func(name string, rec health.CheckRecord) {
		alertName := "health_check_" + name
		switch rec.Status {
		case health.StatusUnhealthy:
			severity := SeverityWarning
			if rec.Critical {
				severity = SeverityCritical
			}
			e.Raise(alertName,
				fmt.Sprintf("Health check %s is unhealthy: %s", name, rec.Error),
				severity,
				[]string{"health"},
				map[string]any{"check": name, "critical": rec.Critical})
		case health.StatusHealthy:
			e.Resolve(alertName, "Health check recovered")
		}
	})

	h.OnOverallChange(func(status health.Status) {
		switch status {
		case health.StatusDegraded, health.StatusUnhealthy:
			severity := SeverityError
			if status == health.StatusUnhealthy {
				severity = SeverityCritical
			}
			e.Raise("system_health",
				fmt.Sprintf("System health is %s", status),
				severity,
				[]string{"health", "system"},
				map[string]any{"status": string(status)})
		case health.StatusHealthy:
			e.Resolve("system_health", "System health recovered")
		}
	})
}

// Start begins evaluation of every enabled rule.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	for _, rule := range e.rules {
		if rule.Enabled {
			e.startRuleLocked(rule)
		}
	}
	e.logger.Info("alert engine started", zap.Int("rules", len(e.rules)))
}

// Stop halts rule evaluation and cancels all pending timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for name, stop := range e.ruleStops {
		close(stop)
		delete(e.ruleStops, name)
	}
	for id, t := range e.silenceTimers {
		t.Stop()
		delete(e.silenceTimers, id)
	}
	for id, t := range e.resolveTimers {
		t.Stop()
		delete(e.resolveTimers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("alert engine stopped")
}

// startRuleLocked launches the per-rule evaluation loop. Callers hold e.mu.
// The loop evaluates synchronously, so ticks of the same rule never overlap;
// a tick firing while evaluation runs is simply the next loop iteration.
func (e *Engine) startRuleLocked(rule *Rule) {
	if _, ok := e.ruleStops[rule.Name]; ok {
		return
	}
	stop := make(chan struct{})
	e.ruleStops[rule.Name] = stop
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(rule.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.evaluateRule(rule)
			}
		}
	}()
}

// evaluateRule runs one tick of a rule. A condition error skips the tick
// without raising or resolving.
func (e *Engine) evaluateRule(rule *Rule) {
	ctx, cancel := context.WithTimeout(context.Background(), rule.CheckInterval)
	defer cancel()

	triggered, data, err := rule.Condition(ctx)
	if err != nil {
		e.logger.Warn("rule condition failed",
			zap.String("rule", rule.Name),
			zap.Error(err))
		return
	}

	if triggered {
		e.Raise(rule.Name, rule.message(data), rule.Severity, rule.Labels, data)
		return
	}

	e.mu.Lock()
	_, hasActive := e.active[rule.Name]
	e.mu.Unlock()
	if hasActive {
		e.Resolve(rule.Name, "Condition no longer met")
	}
}

// Raise creates and fans out an alert unless a matching silence suppresses
// it or an active alert with the same name already exists (in which case
// the existing alert is returned unchanged).
func (e *Engine) Raise(name, message string, severity Severity, labels []string, data map[string]any) *Alert {
	now := time.Now()

	e.mu.Lock()
	e.pruneSilencesLocked(now)

	if existing, ok := e.active[name]; ok {
		out := existing.clone()
		e.mu.Unlock()
		return out
	}

	if s := e.matchingSilenceLocked(name, labels); s != nil {
		e.mu.Unlock()
		e.logger.Debug("alert suppressed by silence",
			zap.String("alert", name),
			zap.String("silence", s.ID))
		return nil
	}

	alert := &Alert{
		ID:          fmt.Sprintf("%s-%d", name, now.UnixNano()),
		Name:        name,
		Message:     message,
		Severity:    severity,
		Labels:      append([]string(nil), labels...),
		Status:      StatusActive,
		CreatedAt:   now,
		LastUpdated: now,
		Data:        data,
	}
	e.active[name] = alert
	e.pushHistoryLocked(alert)

	if rule, ok := e.rules[name]; ok && rule.AutoResolveAfter > 0 {
		id := alert.ID
		e.resolveTimers[id] = time.AfterFunc(rule.AutoResolveAfter, func() {
			e.resolveByID(id, "Auto-resolved")
		})
	}

	notifiers := append([]Notifier(nil), e.notifiers...)
	e.mu.Unlock()

	e.logger.Info("alert raised",
		zap.String("alert", name),
		zap.String("severity", string(severity)))

	snapshot := alert.clone()
	for _, n := range notifiers {
		if !n.Matches(snapshot) {
			continue
		}
		d := Delivery{Notifier: n.Name(), Time: time.Now()}
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		if err := n.Notify(ctx, snapshot); err != nil {
			d.Error = err.Error()
			e.logger.Warn("notifier delivery failed",
				zap.String("notifier", n.Name()),
				zap.String("alert", name),
				zap.Error(err))
		} else {
			d.Success = true
		}
		cancel()
		e.appendDelivery(alert.ID, name, d)
	}

	e.mu.Lock()
	out := alert.clone()
	e.mu.Unlock()
	return out
}

// appendDelivery records one notifier attempt on the live alert and its
// history entry.
func (e *Engine) appendDelivery(id, name string, d Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[name]; ok && a.ID == id {
		a.Deliveries = append(a.Deliveries, d)
	}
	for _, h := range e.history {
		if h.ID == id {
			h.Deliveries = append(h.Deliveries, d)
			break
		}
	}
}

// Resolve removes the active alert with the given name and updates its
// history entry. It reports whether an alert was resolved.
func (e *Engine) Resolve(name, message string) bool {
	e.mu.Lock()
	alert, ok := e.active[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	e.resolveLocked(alert, message)
	e.mu.Unlock()

	e.logger.Info("alert resolved",
		zap.String("alert", name),
		zap.String("message", message))
	return true
}

// resolveByID resolves only if the active alert still carries the given id;
// used by auto-resolve timers so a re-raised alert is not clipped.
func (e *Engine) resolveByID(id, message string) {
	e.mu.Lock()
	var target *Alert
	for _, a := range e.active {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return
	}
	e.resolveLocked(target, message)
	e.mu.Unlock()
	e.logger.Info("alert auto-resolved", zap.String("id", id))
}

// resolveLocked finalizes an alert. Callers hold e.mu.
func (e *Engine) resolveLocked(alert *Alert, message string) {
	now := time.Now()
	alert.Status = StatusResolved
	alert.ResolvedAt = now
	alert.LastUpdated = now
	if message != "" {
		if alert.Data == nil {
			alert.Data = map[string]any{}
		}
		alert.Data["resolve_message"] = message
	}
	delete(e.active, alert.Name)
	if t, ok := e.resolveTimers[alert.ID]; ok {
		t.Stop()
		delete(e.resolveTimers, alert.ID)
	}
	e.syncHistoryLocked(alert)
}

// Acknowledge marks an active alert acknowledged, keeping it active.
func (e *Engine) Acknowledge(name, by, message string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[name]
	if !ok {
		return false
	}
	now := time.Now()
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = now
	alert.AcknowledgedBy = by
	alert.LastUpdated = now
	if message != "" {
		if alert.Data == nil {
			alert.Data = map[string]any{}
		}
		alert.Data["ack_message"] = message
	}
	e.syncHistoryLocked(alert)
	return true
}

// Silence registers a suppression. Active alerts that match transition to
// silenced. A zero duration keeps the silence until explicitly removed.
func (e *Engine) Silence(name string, labels []string, duration time.Duration, by, reason string) string {
	now := time.Now()
	s := &Silence{
		ID:         uuid.NewString(),
		Name:       name,
		Labels:     append([]string(nil), labels...),
		CreatedAt:  now,
		SilencedBy: by,
		Reason:     reason,
	}
	if duration > 0 {
		s.ExpireAt = now.Add(duration)
	}

	e.mu.Lock()
	e.silences[s.ID] = s
	for _, alert := range e.active {
		if s.matches(alert.Name, alert.Labels) {
			alert.Status = StatusSilenced
			alert.SilencedBy = s.ID
			alert.LastUpdated = now
			e.syncHistoryLocked(alert)
		}
	}
	if duration > 0 {
		id := s.ID
		e.silenceTimers[id] = time.AfterFunc(duration, func() {
			e.Unsilence(id)
		})
	}
	e.mu.Unlock()

	e.logger.Info("silence added",
		zap.String("silence", s.ID),
		zap.String("name", name),
		zap.Duration("duration", duration))
	return s.ID
}

// Unsilence removes a silence and restores any alert it had silenced back
// to active.
func (e *Engine) Unsilence(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.silences[id]; !ok {
		return false
	}
	delete(e.silences, id)
	if t, ok := e.silenceTimers[id]; ok {
		t.Stop()
		delete(e.silenceTimers, id)
	}
	now := time.Now()
	for _, alert := range e.active {
		if alert.SilencedBy == id {
			alert.Status = StatusActive
			alert.SilencedBy = ""
			alert.LastUpdated = now
			e.syncHistoryLocked(alert)
		}
	}
	return true
}

// IsSilenced reports whether a prospective alert would be suppressed.
func (e *Engine) IsSilenced(name string, labels []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneSilencesLocked(time.Now())
	return e.matchingSilenceLocked(name, labels) != nil
}

// Silences returns the current silence set.
func (e *Engine) Silences() []Silence {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneSilencesLocked(time.Now())
	out := make([]Silence, 0, len(e.silences))
	for _, s := range e.silences {
		out = append(out, *s)
	}
	return out
}

// Active returns copies of all active alerts.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.clone())
	}
	return out
}

// History returns up to limit history entries, newest first. A non-positive
// limit returns everything.
func (e *Engine) History(limit int) []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Alert, 0, n)
	for _, a := range e.history[:n] {
		out = append(out, a.clone())
	}
	return out
}

// pushHistoryLocked prepends a deep copy and trims the ring. Callers hold
// e.mu.
func (e *Engine) pushHistoryLocked(alert *Alert) {
	e.history = append([]*Alert{alert.clone()}, e.history...)
	if len(e.history) > e.maxHistory {
		e.history = e.history[:e.maxHistory]
	}
}

// syncHistoryLocked refreshes the history entry with the alert's current
// state. Callers hold e.mu.
func (e *Engine) syncHistoryLocked(alert *Alert) {
	for i, h := range e.history {
		if h.ID == alert.ID {
			e.history[i] = alert.clone()
			return
		}
	}
}

// matchingSilenceLocked returns the first silence covering the given alert
// name and labels, or nil if none match. Callers hold e.mu.
func (e *Engine) matchingSilenceLocked(name string, labels []string) *Silence {
	for _, s := range e.silences {
		if s.matches(name, labels) {
			return s
		}
	}
	return nil
}

// pruneSilencesLocked lazily drops expired silences. Callers hold e.mu.
func (e *Engine) pruneSilencesLocked(now time.Time) {
	for id, s := range e.silences {
		if s.expired(now) {
			delete(e.silences, id)
			if t, ok := e.silenceTimers[id]; ok {
				t.Stop()
				delete(e.silenceTimers, id)
			}
		}
	}
}
