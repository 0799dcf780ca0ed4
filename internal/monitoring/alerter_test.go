package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklow-data/tender-triage/internal/config"
)

func TestEvaluateNoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		DLQDepthThreshold: 10,
		BacklogThreshold:  500,
	})

	snap := &MetricsSnapshot{
		ScoringQueueDepth: 12,
		ReviewQueueDepth:  3,
		DLQDepth:          2,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestEvaluateDLQDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DLQDepthThreshold: 10})

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "depth 10")
}

func TestEvaluateQueueBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{BacklogThreshold: 500})

	alerts := a.Evaluate(&MetricsSnapshot{
		ScoringQueueDepth: 600,
		ReviewQueueDepth:  700,
	})
	require.Len(t, alerts, 2)
	for _, alert := range alerts {
		assert.Equal(t, AlertQueueBacklog, alert.Type)
	}
}

func TestEvaluateDisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{
		ScoringQueueDepth: 10000,
		DLQDepth:          10000,
	})
	assert.Empty(t, alerts)
}

func TestSendPostsToWebhook(t *testing.T) {
	var got map[string][]Alert
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{AlertWebhookURL: srv.URL})
	alerts := []Alert{{Type: AlertDLQDepth, Severity: "high", Message: "m"}}

	require.NoError(t, a.Send(context.Background(), alerts))
	require.Len(t, got["alerts"], 1)
	assert.Equal(t, AlertDLQDepth, got["alerts"][0].Type)
}

func TestSendWithoutWebhookLogsOnly(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.NoError(t, a.Send(context.Background(), []Alert{{Type: AlertDLQDepth}}))
}

func TestSendWebhookFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{AlertWebhookURL: srv.URL})
	err := a.Send(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
