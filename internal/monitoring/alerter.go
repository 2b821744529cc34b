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

	"github.com/caremap/caremap-sync/internal/config"
	"github.com/caremap/caremap-sync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate    AlertType = "run_failure_rate"
	AlertRecordFailureRate AlertType = "record_failure_rate"
	AlertCoordinateGap     AlertType = "coordinate_coverage"
	AlertNoSuccessfulRun   AlertType = "no_successful_run"
)

// minFinishedRuns is the number of finished runs needed before the run
// failure rate is judged.
const minFinishedRuns = 3

// webhookSource names this service in webhook payloads.
const webhookSource = "caremap-sync"

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookPayload is the body posted for one check.
type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// rule inspects a snapshot and returns an alert, or nil when healthy.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert

var rules = []rule{
	noSuccessfulRun,
	runFailureRate,
	recordFailureRate,
	coordinateGap,
}

// Alerter judges snapshots against the configured thresholds and delivers
// alerts to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryPolicy
}

// NewAlerter creates an Alerter. Webhook delivery is tried three times.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.PolicyFromLimit(3, time.Second),
	}
}

// Evaluate returns the alerts raised by snap, most severe first.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	at := snap.CollectedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var alerts []Alert
	for _, r := range rules {
		if alert := r(a.cfg, snap); alert != nil {
			alert.Timestamp = at
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func noSuccessfulRun(_ config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if snap.RunsComplete > 0 || snap.RunsFailed == 0 {
		return nil
	}
	return &Alert{
		Type:     AlertNoSuccessfulRun,
		Severity: "high",
		Message: fmt.Sprintf("No synchronization pass completed in the last %dh (%d failed)",
			snap.LookbackHours, snap.RunsFailed),
		Details: map[string]any{"failed": snap.RunsFailed, "running": snap.RunsRunning},
	}
}

func runFailureRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	finished := snap.RunsComplete + snap.RunsFailed
	// Covered by noSuccessfulRun.
	if snap.RunsComplete == 0 || finished < minFinishedRuns || snap.RunFailRate <= cfg.FailureRateThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRunFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Sync run failure rate %.1f%% exceeds %.1f%% (%d of %d passes failed in the last %dh)",
			snap.RunFailRate*100, cfg.FailureRateThreshold*100, snap.RunsFailed, finished, snap.LookbackHours),
		Details: map[string]any{
			"failure_rate": snap.RunFailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"finished":     finished,
		},
	}
}

func recordFailureRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.RecordFailureThreshold <= 0 || snap.RecordsTotal == 0 || snap.RecordFailRate <= cfg.RecordFailureThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRecordFailureRate,
		Severity: "medium",
		Message: fmt.Sprintf("%d of %d institution records failed to sync in the last %dh (%.1f%%)",
			snap.RecordsFailed, snap.RecordsTotal, snap.LookbackHours, snap.RecordFailRate*100),
		Details: map[string]any{
			"failed":    snap.RecordsFailed,
			"total":     snap.RecordsTotal,
			"threshold": cfg.RecordFailureThreshold,
		},
	}
}

func coordinateGap(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.MinCoordinateCoverage <= 0 || snap.Institutions == 0 || snap.CoordinateCoverage >= cfg.MinCoordinateCoverage {
		return nil
	}
	return &Alert{
		Type:     AlertCoordinateGap,
		Severity: "low",
		Message: fmt.Sprintf("Only %.1f%% of %d institutions have coordinates (minimum %.1f%%); run backfill",
			snap.CoordinateCoverage, snap.Institutions, cfg.MinCoordinateCoverage),
		Details: map[string]any{
			"coverage":     snap.CoordinateCoverage,
			"institutions": snap.Institutions,
			"minimum":      cfg.MinCoordinateCoverage,
		},
	}
}

// Notify posts alerts to the webhook in one request and returns how many
// were delivered: all of them or none.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	body, err := json.Marshal(webhookPayload{Source: webhookSource, Alerts: alerts})
	if err != nil {
		zap.L().Error("monitoring: marshal alerts", zap.Error(err))
		return 0
	}

	_, err = resilience.Retry(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.post(ctx, body)
	})
	if err != nil {
		zap.L().Error("monitoring: webhook delivery failed",
			zap.Int("alerts", len(alerts)),
			zap.Error(err),
		)
		return 0
	}
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return resilience.MarkTransient(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
