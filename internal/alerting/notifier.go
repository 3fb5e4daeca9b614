package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers alerts to one sink. Matches filters which alerts the
// sink receives; delivery failures are recorded but never block the raise or
// other sinks.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *Alert) error
	Matches(alert *Alert) bool
}

// LoggerNotifier writes alerts to the service log, mapping severity to the
// log level.
type LoggerNotifier struct {
	logger *zap.Logger
}

// NewLoggerNotifier creates the built-in log sink.
func NewLoggerNotifier(logger *zap.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

func (n *LoggerNotifier) Name() string { return "logger" }

func (n *LoggerNotifier) Matches(*Alert) bool { return true }

func (n *LoggerNotifier) Notify(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert", alert.Name),
		zap.String("id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.Strings("labels", alert.Labels),
	}
	switch alert.Severity {
	case SeverityInfo:
		n.logger.Info(alert.Message, fields...)
	case SeverityWarning:
		n.logger.Warn(alert.Message, fields...)
	default:
		n.logger.Error(alert.Message, fields...)
	}
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a chat-style webhook. By default
// it only forwards warning and above.
type WebhookNotifier struct {
	name        string
	url         string
	client      *http.Client
	minSeverity Severity
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(name, url string) *WebhookNotifier {
	return &WebhookNotifier{
		name:        name,
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		minSeverity: SeverityWarning,
	}
}

// WithMinSeverity adjusts the severity filter.
func (n *WebhookNotifier) WithMinSeverity(min Severity) *WebhookNotifier {
	n.minSeverity = min
	return n
}

func (n *WebhookNotifier) Name() string { return n.name }

func (n *WebhookNotifier) Matches(alert *Alert) bool {
	return alert.Severity.AtLeast(n.minSeverity)
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(map[string]any{
		"id":       alert.ID,
		"name":     alert.Name,
		"message":  alert.Message,
		"severity": alert.Severity,
		"labels":   alert.Labels,
		"time":     alert.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SendMailFunc delivers one rendered alert mail.
type SendMailFunc func(ctx context.Context, subject, body string) error

// EmailNotifier renders alerts to mail via an injected sender. By default it
// only forwards error and critical.
type EmailNotifier struct {
	send        SendMailFunc
	minSeverity Severity
}

// NewEmailNotifier creates a mail sink around the given sender.
func NewEmailNotifier(send SendMailFunc) *EmailNotifier {
	return &EmailNotifier{send: send, minSeverity: SeverityError}
}

// WithMinSeverity adjusts the severity filter.
func (n *EmailNotifier) WithMinSeverity(min Severity) *EmailNotifier {
	n.minSeverity = min
	return n
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Matches(alert *Alert) bool {
	return alert.Severity.AtLeast(n.minSeverity)
}

func (n *EmailNotifier) Notify(ctx context.Context, alert *Alert) error {
	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Name)
	body := fmt.Sprintf("%s\n\nalert: %s\nseverity: %s\nlabels: %v\nraised: %s\n",
		alert.Message, alert.Name, alert.Severity, alert.Labels, alert.CreatedAt.Format(time.RFC3339))
	return n.send(ctx, subject, body)
}
