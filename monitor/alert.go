package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAlertNotFound is returned when acknowledging an unknown or expired alert.
var ErrAlertNotFound = errors.New("monitor: alert not found")

const (
	// AlertTTL is how long an alert is retained.
	AlertTTL = 7 * 24 * time.Hour
	// MaxAlerts is the length of the recent alert list.
	MaxAlerts = 100
)

// AlertType classifies alerts.
type AlertType string

// Alert types.
const (
	AlertErrorRate  AlertType = "error_rate"
	AlertLatency    AlertType = "latency"
	AlertBacklog    AlertType = "queue_backlog"
	AlertDLQBacklog AlertType = "dlq_backlog"
	AlertThroughput AlertType = "low_throughput"
)

// Severity of an alert.
type Severity string

// Severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach. Only Acknowledged ever changes.
type Alert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Queue        string    `json:"queue,omitempty"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Thresholds are the alerting limits.
type Thresholds struct {
	// ErrorRate is the failed/processed ratio above which an alert is raised.
	ErrorRate float64
	// P95Latency is the 95th percentile processing time limit.
	P95Latency time.Duration
	// PendingBacklog is the pending list length limit.
	PendingBacklog int64
	// DLQBacklog is the limit of tracked failed jobs per queue.
	DLQBacklog int64
	// MinThroughput is the minimum number of jobs finished per hour, enforced
	// once a queue finished at least one job.
	MinThroughput int64
}

// DefaultThresholds returns the default alerting limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:      0.05,
		P95Latency:     30 * time.Second,
		PendingBacklog: 100,
		DLQBacklog:     10,
		MinThroughput:  10,
	}
}

// CheckAlerts evaluates every threshold against the current metrics of a
// queue and raises one alert per breach. Repeated breaches raise repeated
// alerts.
func (m *Monitor) CheckAlerts(ctx context.Context, queueName string) ([]Alert, error) {
	qm, err := m.GetQueueMetrics(ctx, queueName)
	if err != nil {
		return nil, err
	}
	t := m.thresholds
	var breaches []Alert
	if qm.ErrorRate > t.ErrorRate {
		breaches = append(breaches, Alert{
			Type:      AlertErrorRate,
			Severity:  SeverityHigh,
			Message:   fmt.Sprintf("error rate of %s is %.1f%%", queueName, qm.ErrorRate*100),
			Value:     qm.ErrorRate,
			Threshold: t.ErrorRate,
		})
	}
	if qm.Latency.Samples > 0 && qm.Latency.P95 > t.P95Latency {
		breaches = append(breaches, Alert{
			Type:      AlertLatency,
			Severity:  SeverityMedium,
			Message:   fmt.Sprintf("p95 latency of %s is %s", queueName, qm.Latency.P95),
			Value:     float64(qm.Latency.P95.Milliseconds()),
			Threshold: float64(t.P95Latency.Milliseconds()),
		})
	}
	if qm.Pending > t.PendingBacklog {
		breaches = append(breaches, Alert{
			Type:      AlertBacklog,
			Severity:  SeverityMedium,
			Message:   fmt.Sprintf("%d jobs pending in %s", qm.Pending, queueName),
			Value:     float64(qm.Pending),
			Threshold: float64(t.PendingBacklog),
		})
	}
	if m.deadLetters != nil {
		backlog, err := m.deadLetters.Backlog(ctx, queueName)
		if err != nil {
			level.Warn(m.logger).Log("msg", "unable to read dead-letter backlog", "queue", queueName, "err", err)
		} else if backlog > t.DLQBacklog {
			breaches = append(breaches, Alert{
				Type:      AlertDLQBacklog,
				Severity:  SeverityHigh,
				Message:   fmt.Sprintf("%d failed jobs of %s in the dead-letter queue", backlog, queueName),
				Value:     float64(backlog),
				Threshold: float64(t.DLQBacklog),
			})
		}
	}
	if qm.Processed() >= 1 && qm.ThroughputHour < t.MinThroughput {
		breaches = append(breaches, Alert{
			Type:      AlertThroughput,
			Severity:  SeverityMedium,
			Message:   fmt.Sprintf("%s finished %d jobs this hour", queueName, qm.ThroughputHour),
			Value:     float64(qm.ThroughputHour),
			Threshold: float64(t.MinThroughput),
		})
	}

	raised := make([]Alert, 0, len(breaches))
	for _, a := range breaches {
		a.Queue = queueName
		if err := m.raise(ctx, &a); err != nil {
			level.Warn(m.logger).Log("msg", "unable to raise alert", "type", a.Type, "err", err)
			continue
		}
		raised = append(raised, a)
	}
	return raised, nil
}

func (m *Monitor) raise(ctx context.Context, a *Alert) error {
	a.ID = uuid.NewString()
	a.Timestamp = m.clock.Now()
	raw, err := store.Encode(a)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, m.keys.Alert(a.ID), raw, AlertTTL); err != nil {
		return errors.Wrap(err, "monitor: save alert")
	}
	if _, err := m.store.LPush(ctx, m.keys.Alerts(), a.ID); err != nil {
		return errors.Wrap(err, "monitor: push alert")
	}
	if err := m.store.LTrim(ctx, m.keys.Alerts(), 0, MaxAlerts-1); err != nil {
		return errors.Wrap(err, "monitor: trim alerts")
	}
	level.Warn(m.logger).Log("msg", "alert raised", "type", a.Type, "severity", a.Severity, "queue", a.Queue, "detail", a.Message)
	return nil
}

// GetAlerts returns up to limit recent alerts, newest first. Expired and
// malformed alerts are skipped; a store failure yields an empty list.
func (m *Monitor) GetAlerts(ctx context.Context, limit int64) []Alert {
	if limit <= 0 || limit > MaxAlerts {
		limit = MaxAlerts
	}
	ids, err := m.store.LRange(ctx, m.keys.Alerts(), 0, limit-1)
	if err != nil {
		level.Warn(m.logger).Log("msg", "unable to list alerts", "err", err)
		return []Alert{}
	}
	alerts := make([]Alert, 0, len(ids))
	for _, id := range ids {
		a, err := m.alert(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrAlertNotFound) {
				level.Warn(m.logger).Log("msg", "skipping alert", "id", id, "err", err)
			}
			continue
		}
		alerts = append(alerts, *a)
	}
	return alerts
}

// AcknowledgeAlert flips the acknowledged flag of an alert, keeping its
// remaining retention.
func (m *Monitor) AcknowledgeAlert(ctx context.Context, id string) error {
	a, err := m.alert(ctx, id)
	if err != nil {
		return err
	}
	ttl, err := m.store.TTL(ctx, m.keys.Alert(id))
	if errors.Is(err, store.ErrNil) {
		return ErrAlertNotFound
	}
	if err != nil {
		return errors.Wrap(err, "monitor: alert ttl")
	}
	if ttl <= 0 {
		ttl = AlertTTL
	}
	a.Acknowledged = true
	raw, err := store.Encode(a)
	if err != nil {
		return err
	}
	return errors.Wrap(m.store.Set(ctx, m.keys.Alert(id), raw, ttl), "monitor: save alert")
}

func (m *Monitor) alert(ctx context.Context, id string) (*Alert, error) {
	raw, err := m.store.Get(ctx, m.keys.Alert(id))
	if errors.Is(err, store.ErrNil) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "monitor: get alert")
	}
	var a Alert
	if err := store.Decode(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
