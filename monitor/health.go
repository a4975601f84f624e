package monitor

import (
	"context"
	"time"

	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"
)

// HealthStatus is the overall verdict of HealthCheck.
type HealthStatus string

// Health verdicts.
const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the result of HealthCheck. Checks maps every probe to "ok" or
// the error it returned.
type Health struct {
	Status    HealthStatus      `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthCheck probes the store, a metrics read and a dead-letter stats read.
// All three passing is healthy, a majority is degraded.
func (m *Monitor) HealthCheck(ctx context.Context) Health {
	probes := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"store", m.store.Ping},
		{"metrics", func(ctx context.Context) error {
			_, err := m.GetQueueMetrics(ctx, Global)
			return err
		}},
		{"dlq", func(ctx context.Context) error {
			if m.deadLetters == nil {
				return nil
			}
			_, err := m.deadLetters.Stats(ctx)
			return err
		}},
	}

	results := make([]error, len(probes))
	var g errgroup.Group
	for i := range probes {
		i := i
		g.Go(func() error {
			results[i] = probes[i].run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	h := Health{Checks: make(map[string]string, len(probes)), Timestamp: m.clock.Now()}
	passed := 0
	for i, p := range probes {
		if results[i] != nil {
			h.Checks[p.name] = results[i].Error()
			level.Warn(m.logger).Log("msg", "health probe failed", "probe", p.name, "err", results[i])
			continue
		}
		h.Checks[p.name] = "ok"
		passed++
	}
	switch {
	case passed == len(probes):
		h.Status = Healthy
	case passed*2 > len(probes):
		h.Status = Degraded
	default:
		h.Status = Unhealthy
	}
	return h
}
