package monitoring

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rdp-platform/opscore/internal/alerting"
	"github.com/rdp-platform/opscore/internal/health"
	"github.com/rdp-platform/opscore/internal/optimize"
)

// errorBody is the admin surface's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorBody{Code: code, Message: message})
}

// RegisterRoutes mounts the read and control surface under
// {router}/v1/monitoring.
func (s *Service) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/v1/monitoring")

	g.GET("/status", s.handleStatus)
	g.GET("/health", s.handleHealth)
	g.GET("/metrics", s.handleMetrics)
	g.GET("/metrics/prometheus", s.handlePrometheus)

	g.GET("/alerts", s.handleAlerts)
	g.POST("/alerts/:name/acknowledge", s.handleAcknowledge)
	g.POST("/alerts/:name/resolve", s.handleResolve)
	g.POST("/alerts/:name/silence", s.handleSilence)
	g.DELETE("/alerts/silence/:id", s.handleUnsilence)

	g.GET("/optimization", s.handleOptimizationStatus)
	g.POST("/optimization/analyze", s.handleAnalyze)
	g.POST("/optimization/optimize", s.handleOptimize)
	g.POST("/optimization/toggle", s.handleToggle)
}

func (s *Service) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Service) handleHealth(c *gin.Context) {
	overall := s.Health.Overall()
	status := http.StatusOK
	switch overall {
	case health.StatusUnhealthy:
		status = http.StatusInternalServerError
	case health.StatusDegraded, health.StatusUnknown:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": overall,
		"checks": s.Health.Records(),
	})
}

func (s *Service) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

func (s *Service) handlePrometheus(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(s.Metrics.RenderText()))
}

func (s *Service) handleAlerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	history := s.Alerts.History(0)
	history = filterAlerts(history,
		c.Query("severity"), c.Query("status"),
		c.Query("startTime"), c.Query("endTime"))
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  s.Alerts.Active(),
		"history": history,
	})
}

// filterAlerts applies the optional query filters. Times are unix seconds.
func filterAlerts(alerts []*alerting.Alert, severity, status, startTime, endTime string) []*alerting.Alert {
	var start, end time.Time
	if v, err := strconv.ParseInt(startTime, 10, 64); err == nil {
		start = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(endTime, 10, 64); err == nil {
		end = time.Unix(v, 0)
	}

	out := alerts[:0]
	for _, a := range alerts {
		if severity != "" && string(a.Severity) != severity {
			continue
		}
		if status != "" && string(a.Status) != status {
			continue
		}
		if !start.IsZero() && a.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && a.CreatedAt.After(end) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Service) handleAcknowledge(c *gin.Context) {
	var body struct {
		AcknowledgedBy string `json:"acknowledgedBy"`
		Message        string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AcknowledgedBy == "" {
		fail(c, http.StatusBadRequest, "validation_error", "acknowledgedBy is required")
		return
	}
	name := c.Param("name")
	if !s.Alerts.Acknowledge(name, body.AcknowledgedBy, body.Message) {
		fail(c, http.StatusNotFound, "not_found", "no active alert named "+name)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Service) handleResolve(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	// The body is optional for resolve.
	_ = c.ShouldBindJSON(&body)
	name := c.Param("name")
	if !s.Alerts.Resolve(name, body.Message) {
		fail(c, http.StatusNotFound, "not_found", "no active alert named "+name)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *Service) handleSilence(c *gin.Context) {
	var body struct {
		Duration   float64  `json:"duration"` // seconds; 0 is invalid, use -1 for permanent
		Labels     []string `json:"labels"`
		SilencedBy string   `json:"silencedBy"`
		Message    string   `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Duration == 0 || body.SilencedBy == "" {
		fail(c, http.StatusBadRequest, "validation_error", "duration and silencedBy are required")
		return
	}
	duration := time.Duration(body.Duration * float64(time.Second))
	if body.Duration < 0 {
		duration = 0 // permanent
	}
	id := s.Alerts.Silence(c.Param("name"), body.Labels, duration, body.SilencedBy, body.Message)
	c.JSON(http.StatusOK, gin.H{"silenceId": id})
}

func (s *Service) handleUnsilence(c *gin.Context) {
	id := c.Param("id")
	if !s.Alerts.Unsilence(id) {
		fail(c, http.StatusNotFound, "not_found", "no silence with id "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Service) handleOptimizationStatus(c *gin.Context) {
	if s.Optimizer == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":    true,
		"state":      s.Optimizer.State(),
		"automatic":  s.Optimizer.Automatic(),
		"optimizers": s.Optimizer.Names(),
		"benchmark":  s.Optimizer.Benchmark(),
		"history":    s.Optimizer.History(limit),
	})
}

func (s *Service) handleAnalyze(c *gin.Context) {
	if s.Optimizer == nil {
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
		return
	}
	bench, toRun, err := s.Optimizer.Analyze(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, optimize.ErrBusy) {
			status = http.StatusConflict
		}
		fail(c, status, "analyze_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"benchmark":         bench,
		"optimizers_to_run": toRun,
	})
}

func (s *Service) handleOptimize(c *gin.Context) {
	if s.Optimizer == nil {
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
		return
	}
	var body struct {
		Optimizers []string `json:"optimizers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Optimizers) == 0 {
		fail(c, http.StatusBadRequest, "validation_error", "optimizers is required")
		return
	}
	entry, err := s.Optimizer.Optimize(c.Request.Context(), body.Optimizers)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, optimize.ErrBusy) {
			status = http.StatusConflict
		}
		fail(c, status, "optimize_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Service) handleToggle(c *gin.Context) {
	if s.Optimizer == nil {
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		fail(c, http.StatusBadRequest, "validation_error", "enabled is required")
		return
	}
	if *body.Enabled {
		s.Optimizer.EnableAutomatic()
	} else {
		s.Optimizer.DisableAutomatic()
	}
	c.JSON(http.StatusOK, gin.H{"automatic": *body.Enabled})
}
