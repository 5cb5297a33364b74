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

	"github.com/sells-group/autonomy-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDemotionRate  AlertType = "demotion_rate"
	AlertStaleSubjects AlertType = "stale_subjects"
	AlertNudgeBacklog  AlertType = "nudge_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
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

	// Demotion spike. Requires a minimum population so a single demotion in
	// a tiny org does not page anyone.
	if snap.RecordsTotal >= 5 && snap.DemotionRate > a.cfg.DemotionRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDemotionRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Demotion rate %.1f%% exceeds threshold %.1f%% (%d demotions / %d subjects in last %dh)",
				snap.DemotionRate*100, a.cfg.DemotionRateThreshold*100,
				snap.Demotions, snap.RecordsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"demotion_rate": snap.DemotionRate,
				"threshold":     a.cfg.DemotionRateThreshold,
				"demotions":     snap.Demotions,
				"subjects":      snap.RecordsTotal,
			},
			Timestamp: now,
		})
	}

	// Sweep stall: subjects the rescoring pass has not touched in time.
	if snap.StaleSubjects > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleSubjects,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d subject(s) have not been swept within the staleness horizon",
				snap.StaleSubjects,
			),
			Details: map[string]any{
				"stale_subjects": snap.StaleSubjects,
				"records_total":  snap.RecordsTotal,
			},
			Timestamp: now,
		})
	}

	// Nudge backlog growth means pulls have stopped.
	if a.cfg.NudgeBacklogThreshold > 0 && snap.NudgeBacklog > a.cfg.NudgeBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertNudgeBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Nudge backlog %d exceeds threshold %d",
				snap.NudgeBacklog, a.cfg.NudgeBacklogThreshold,
			),
			Details: map[string]any{
				"backlog":   snap.NudgeBacklog,
				"threshold": a.cfg.NudgeBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
