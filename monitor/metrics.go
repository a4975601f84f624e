package monitor

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DoNewsCode/core-drain/dlq"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Latency summarizes the processing times of a window.
type Latency struct {
	Samples int           `json:"samples"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// QueueMetrics is the metrics snapshot of one queue.
type QueueMetrics struct {
	Queue      string  `json:"queue"`
	Processing int64   `json:"processing"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	Pending    int64   `json:"pending"`
	ErrorRate  float64 `json:"errorRate"`
	// ThroughputHour counts jobs finished within the current hour.
	ThroughputHour int64 `json:"throughputHour"`
	// ThroughputDay counts jobs finished within the current day.
	ThroughputDay int64   `json:"throughputDay"`
	Latency       Latency `json:"latency"`
}

// Processed is the number of finished jobs.
func (q QueueMetrics) Processed() int64 {
	return q.Completed + q.Failed
}

// Metrics is the snapshot returned to dashboards.
type Metrics struct {
	Queues    map[string]QueueMetrics `json:"queues"`
	Global    QueueMetrics            `json:"global"`
	DLQ       dlq.Stats               `json:"dlq"`
	Timestamp time.Time               `json:"timestamp"`
}

// Percentile returns the p-th quantile, p in [0, 1], of samples by linear
// interpolation between the closest ranks. samples is not modified. p below 0
// or NaN yields the minimum, p above 1 the maximum.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	switch {
	case p <= 0 || math.IsNaN(p):
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	index := p * float64(len(sorted)-1)
	lower := math.Floor(index)
	upper := math.Ceil(index)
	if lower == upper {
		return sorted[int(lower)]
	}
	weight := index - lower
	return sorted[int(lower)]*(1-weight) + sorted[int(upper)]*weight
}

// LatencySamples returns the processing times, in milliseconds, recorded for
// a queue within the last hours hour buckets, the current one included.
func (m *Monitor) LatencySamples(ctx context.Context, queueName string, hours int) ([]float64, error) {
	if hours < 1 {
		hours = 1
	}
	now := m.clock.Now()
	var samples []float64
	for h := 0; h < hours; h++ {
		members, err := m.store.ZRange(ctx, m.keys.LatencySamples(queueName, now.Add(-time.Duration(h)*time.Hour)), 0, -1)
		if err != nil {
			return nil, errors.Wrap(err, "monitor: read latency samples")
		}
		for _, z := range members {
			ms, err := strconv.ParseFloat(strings.SplitN(z.Member, ":", 2)[0], 64)
			if err != nil {
				continue
			}
			samples = append(samples, ms)
		}
	}
	return samples, nil
}

// LatencyPercentiles summarizes LatencySamples.
func (m *Monitor) LatencyPercentiles(ctx context.Context, queueName string, hours int) (Latency, error) {
	samples, err := m.LatencySamples(ctx, queueName, hours)
	if err != nil || len(samples) == 0 {
		return Latency{}, err
	}
	sort.Float64s(samples)
	ms := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	return Latency{
		Samples: len(samples),
		P50:     ms(percentileSorted(samples, 0.50)),
		P95:     ms(percentileSorted(samples, 0.95)),
		P99:     ms(percentileSorted(samples, 0.99)),
	}, nil
}

// GetQueueMetrics reads the metrics snapshot of one queue. Use Global for the
// aggregate.
func (m *Monitor) GetQueueMetrics(ctx context.Context, queueName string) (QueueMetrics, error) {
	now := m.clock.Now()
	qm := QueueMetrics{Queue: queueName}
	var err error
	if qm.Processing, err = m.counter(ctx, m.keys.Counter(queueName, counterProcessing)); err != nil {
		return qm, err
	}
	if qm.Completed, err = m.counter(ctx, m.keys.Counter(queueName, counterCompleted)); err != nil {
		return qm, err
	}
	if qm.Failed, err = m.counter(ctx, m.keys.Counter(queueName, counterFailed)); err != nil {
		return qm, err
	}
	if qm.ThroughputHour, err = m.counter(ctx, m.keys.ThroughputHour(queueName, now)); err != nil {
		return qm, err
	}
	if qm.ThroughputDay, err = m.counter(ctx, m.keys.ThroughputDay(queueName, now)); err != nil {
		return qm, err
	}
	if queueName != Global {
		if qm.Pending, err = m.store.LLen(ctx, m.keys.Pending(queueName)); err != nil {
			return qm, errors.Wrap(err, "monitor: pending length")
		}
	}
	if processed := qm.Processed(); processed > 0 {
		qm.ErrorRate = float64(qm.Failed) / float64(processed)
	}
	if qm.Latency, err = m.LatencyPercentiles(ctx, queueName, 1); err != nil {
		return qm, err
	}
	return qm, nil
}

// GetMetrics reads the snapshot of every known queue, the aggregate and the
// dead-letter queue. A queue that cannot be read is logged and left out.
func (m *Monitor) GetMetrics(ctx context.Context) (*Metrics, error) {
	names, err := m.store.SMembers(ctx, m.keys.Queues())
	if err != nil {
		return nil, errors.Wrap(err, "monitor: list queues")
	}
	out := &Metrics{Queues: make(map[string]QueueMetrics, len(names)), Timestamp: m.clock.Now()}
	for _, name := range names {
		qm, err := m.GetQueueMetrics(ctx, name)
		if err != nil {
			level.Warn(m.logger).Log("msg", "unable to read queue metrics", "queue", name, "err", err)
			continue
		}
		out.Queues[name] = qm
	}
	if out.Global, err = m.GetQueueMetrics(ctx, Global); err != nil {
		return nil, err
	}
	for _, qm := range out.Queues {
		out.Global.Pending += qm.Pending
	}
	if m.deadLetters != nil {
		if out.DLQ, err = m.deadLetters.Stats(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Monitor) counter(ctx context.Context, key string) (int64, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "monitor: read %s", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "monitor: parse %s", key)
	}
	return n, nil
}
