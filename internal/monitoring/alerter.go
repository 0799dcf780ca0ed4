package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQDepth     AlertType = "dlq_depth"
	AlertQueueBacklog AlertType = "queue_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf("Dead-letter queue depth %d at or above threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 {
		for name, depth := range map[string]int64{
			"scoring": snap.ScoringQueueDepth,
			"review":  snap.ReviewQueueDepth,
		} {
			if depth < a.cfg.BacklogThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertQueueBacklog,
				Severity: "medium",
				Message: fmt.Sprintf("%s queue backlog %d at or above threshold %d",
					name, depth, a.cfg.BacklogThreshold),
				Details: map[string]any{
					"queue":     name,
					"depth":     depth,
					"threshold": a.cfg.BacklogThreshold,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Send posts alerts to the configured webhook. Without a webhook URL alerts
// are logged only.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) error {
	for _, alert := range alerts {
		zap.L().Warn("monitoring alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
	}

	if a.cfg.AlertWebhookURL == "" || len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"alerts": alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alerts")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
