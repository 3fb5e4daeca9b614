package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Instrument returns a gin middleware counting requests, tracking in-flight
// gauge movement, observing duration and flagging 4xx/5xx responses.
func (s *Service) Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.requests.Add(1)
		s.adjustActive(1)

		c.Next()

		s.adjustActive(-1)
		status := strconv.Itoa(c.Writer.Status())
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": status,
		}
		s.Metrics.IncrementCounter(MetricRequestsTotal, 1, labels)
		s.Metrics.ObserveHistogram(MetricRequestDuration,
			float64(time.Since(start).Milliseconds()), labels)
		if c.Writer.Status() >= 400 {
			s.errors.Add(1)
			s.Metrics.IncrementCounter(MetricRequestsErrors, 1, labels)
		}
	}
}

// adjustActive moves the in-flight gauge by delta.
func (s *Service) adjustActive(delta float64) {
	s.Metrics.AddGauge(MetricRequestsActive, delta, nil)
}
