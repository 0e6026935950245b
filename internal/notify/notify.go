// Package notify delivers operator alerts, most importantly positions left
// open without protective orders.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"sentinentx/internal/config"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds.
const (
	KindUnprotected = "unprotected_position"
	KindExecution   = "execution"
	KindCycle       = "cycle"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity               `json:"severity"`
	Kind      string                 `json:"kind"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log. Critical alerts are logged
// at error level.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates a log alerter.
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs a.
func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	event := l.logger.Info()
	switch a.Severity {
	case SeverityCritical:
		event = l.logger.Error()
	case SeverityWarning:
		event = l.logger.Warn()
	}
	event = event.
		Str("event", "alert").
		Str("severity", string(a.Severity)).
		Str("kind", a.Kind)
	if a.Symbol != "" {
		event = event.Str("symbol", a.Symbol)
	}
	if len(a.Data) > 0 {
		event = event.Interface("data", a.Data)
	}
	event.Msg(a.Message)
	return nil
}

// WebhookAlerter posts alerts as JSON.
type WebhookAlerter struct {
	url    string
	client *resty.Client
}

// NewWebhookAlerter creates a webhook alerter.
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "SentinentX/1.0")
	return &WebhookAlerter{url: url, client: client}
}

// Alert posts a to the webhook.
func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(a).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMultiAlerter creates a fan-out alerter.
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters, now: time.Now}
}

// FromConfig builds the alerter chain: the log always, the webhook when configured.
func FromConfig(cfg config.AlertsConfig, logger zerolog.Logger) *MultiAlerter {
	m := NewMultiAlerter(NewLogAlerter(logger))
	if cfg.WebhookURL != "" {
		m.Add(NewWebhookAlerter(cfg.WebhookURL, cfg.Timeout))
	}
	return m
}

// Add appends an alerter.
func (m *MultiAlerter) Add(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, a)
}

// Alert sends a to every alerter and joins their errors.
func (m *MultiAlerter) Alert(ctx context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}

	m.mu.RLock()
	alerters := m.alerters
	m.mu.RUnlock()

	var errs []string
	for _, al := range alerters {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NopAlerter discards alerts.
type NopAlerter struct{}

// Alert does nothing.
func (NopAlerter) Alert(ctx context.Context, a Alert) error { return nil }

// Ensure implementations satisfy Alerter
var (
	_ Alerter = (*LogAlerter)(nil)
	_ Alerter = (*WebhookAlerter)(nil)
	_ Alerter = (*MultiAlerter)(nil)
	_ Alerter = NopAlerter{}
)
