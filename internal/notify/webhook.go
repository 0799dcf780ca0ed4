// Package notify emits immediate webhook alerts for predicted bids. Alerts
// are a convenience on top of the review queue, never a substitute for it:
// a lost alert costs nothing because the tender still reaches deep review.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/resilience"
)

// Options configures the webhook notifier.
type Options struct {
	WebhookURL string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// payload is the webhook body. Text carries a human-readable summary; the
// structured fields exist for receivers that want to format their own.
type payload struct {
	Text       string     `json:"text"`
	ResourceID int64      `json:"resource_id"`
	Title      string     `json:"tender_title"`
	Authority  string     `json:"contracting_authority,omitempty"`
	Value      *float64   `json:"estimated_value,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	CodesCount int        `json:"codes_count"`
	Confidence float64    `json:"confidence"`
	Priority   string     `json:"priority"`
	Reasoning  string     `json:"reasoning"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Webhook posts bid alerts to a configured URL with rate limiting, retries
// on transient failures, and a circuit breaker so a dead receiver cannot
// slow the scoring path down.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewWebhook builds a notifier. An empty URL returns nil, which callers
// treat as notifications disabled.
func NewWebhook(opts Options) *Webhook {
	if opts.WebhookURL == "" {
		return nil
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger(opts.WebhookURL, "notify")

	return &Webhook{
		url:     opts.WebhookURL,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: resilience.NewCircuitBreaker(5, 60*time.Second),
		retry:   retryCfg,
	}
}

// NotifyBid posts one alert for a predicted bid.
func (w *Webhook) NotifyBid(ctx context.Context, req model.ReviewRequest, meta model.TenderMeta) error {
	if err := w.breaker.Allow(); err != nil {
		return eris.Wrap(err, "notify: webhook circuit open")
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	body, err := json.Marshal(payload{
		Text:       summaryLine(req, meta),
		ResourceID: req.ResourceID,
		Title:      req.Title,
		Authority:  meta.Authority,
		Value:      meta.Value,
		Deadline:   meta.Deadline,
		CodesCount: meta.CodesCount,
		Confidence: req.Score.Confidence,
		Priority:   string(req.Priority),
		Reasoning:  req.Score.Reasoning,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	err = resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
	w.breaker.Record(err)
	if err != nil {
		return err
	}

	zap.L().Info("notify: bid alert sent",
		zap.Int64("resource_id", req.ResourceID),
		zap.Float64("confidence", req.Score.Confidence))
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: post webhook"), 0)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	errStatus := eris.Errorf("notify: webhook returned %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(errStatus, resp.StatusCode)
	}
	return errStatus
}

// summaryLine renders the one-line alert text.
func summaryLine(req model.ReviewRequest, meta model.TenderMeta) string {
	line := fmt.Sprintf("Predicted bid (%.0f%%): %s", req.Score.Confidence*100, req.Title)
	if meta.Authority != "" {
		line += " | " + meta.Authority
	}
	if meta.Value != nil {
		line += fmt.Sprintf(" | est. %.0f", *meta.Value)
	}
	if meta.Deadline != nil {
		line += " | due " + meta.Deadline.Format("2006-01-02")
	}
	return line
}
