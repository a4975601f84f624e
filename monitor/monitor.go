// Package monitor records job lifecycle events and derives per-queue metrics,
// latency percentiles and threshold alerts from them. All state lives in the
// store; a Monitor may be created per invocation.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/DoNewsCode/core-drain/dlq"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
)

// Global is the reserved queue name under which metrics of all queues are
// aggregated.
const Global = "_global"

const (
	counterProcessing = "processing"
	counterCompleted  = "completed"
	counterFailed     = "failed"
)

const (
	// MaxLatencySamples caps the samples kept per queue and hour.
	MaxLatencySamples = 1000
	latencyTTL        = 24 * time.Hour
	throughputHourTTL = 7 * 24 * time.Hour
	throughputDayTTL  = 30 * 24 * time.Hour
	// startedTTL bounds the status record of a job that never completes.
	startedTTL = 24 * time.Hour
)

// DeadLetters is the part of the dead-letter queue the monitor reads.
type DeadLetters interface {
	Stats(ctx context.Context) (dlq.Stats, error)
	Backlog(ctx context.Context, queueName string) (int64, error)
}

// Monitor is the job monitor.
type Monitor struct {
	store       store.Store
	keys        store.Keyspace
	deadLetters DeadLetters
	logger      log.Logger
	clock       store.Clock
	thresholds  Thresholds
	jobCounter  metrics.Counter
	latency     metrics.Histogram
}

// Option configures the Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Monitor) { m.logger = log.With(logger, "component", "monitor") }
}

// WithClock replaces the wall clock.
func WithClock(clock store.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithThresholds replaces the default alert thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithCounter mirrors every completion onto counter, labeled by "queue" and
// "outcome".
func WithCounter(counter metrics.Counter) Option {
	return func(m *Monitor) { m.jobCounter = counter }
}

// WithHistogram mirrors processing times, in seconds, onto histogram,
// labeled by "queue".
func WithHistogram(histogram metrics.Histogram) Option {
	return func(m *Monitor) { m.latency = histogram }
}

// New creates a Monitor. deadLetters may be nil, in which case dead-letter
// backlog alerts and stats are skipped.
func New(s store.Store, keys store.Keyspace, deadLetters DeadLetters, opts ...Option) *Monitor {
	m := &Monitor{
		store:       s,
		keys:        keys,
		deadLetters: deadLetters,
		logger:      log.NewNopLogger(),
		clock:       store.SystemClock,
		thresholds:  DefaultThresholds(),
	}
	for _, f := range opts {
		f(m)
	}
	return m
}

// RecordStart marks a job as processing.
func (m *Monitor) RecordStart(ctx context.Context, jobID, queueName string) {
	now := m.clock.Now()
	err := job.SaveState(ctx, m.store, m.keys, jobID, job.StateProcessing, map[string]string{
		job.FieldQueue:     queueName,
		job.FieldStartedAt: job.FormatTime(now),
	}, now)
	if err == nil {
		_, err = m.store.Expire(ctx, m.keys.Job(jobID), startedTTL)
	}
	if err != nil {
		level.Warn(m.logger).Log("msg", "unable to record job start", "job", jobID, "err", err)
	}
	for _, q := range []string{queueName, Global} {
		if _, err := m.store.Incr(ctx, m.keys.Counter(q, counterProcessing)); err != nil {
			level.Warn(m.logger).Log("msg", "unable to count processing job", "queue", q, "err", err)
		}
	}
}

// RecordCompletion records the outcome of a job, updates latency samples and
// throughput counters, and evaluates the alert thresholds of its queue.
// jobErr is stored on failure, result on success.
func (m *Monitor) RecordCompletion(ctx context.Context, jobID, queueName string, success bool, jobErr error, result interface{}) {
	now := m.clock.Now()
	var elapsed time.Duration
	if started, err := m.store.HGet(ctx, m.keys.Job(jobID), job.FieldStartedAt); err == nil {
		if t := job.ParseTime(started); t != nil {
			elapsed = now.Sub(*t)
		}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	ms := elapsed.Milliseconds()

	state, outcome := job.StateCompleted, counterCompleted
	fields := map[string]string{
		job.FieldQueue:          queueName,
		job.FieldCompletedAt:    job.FormatTime(now),
		job.FieldProcessingTime: strconv.FormatInt(ms, 10),
	}
	if !success {
		state, outcome = job.StateFailed, counterFailed
		if jobErr != nil {
			fields[job.FieldError] = jobErr.Error()
		}
	} else if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			fields[job.FieldResult] = string(raw)
		}
	}
	if err := job.SaveState(ctx, m.store, m.keys, jobID, state, fields, now); err != nil {
		level.Warn(m.logger).Log("msg", "unable to record job completion", "job", jobID, "err", err)
	}

	for _, q := range []string{queueName, Global} {
		if err := m.count(ctx, q, outcome, jobID, ms, now); err != nil {
			level.Warn(m.logger).Log("msg", "unable to update metrics", "queue", q, "err", err)
		}
		if m.jobCounter != nil {
			m.jobCounter.With("queue", q, "outcome", outcome).Add(1)
		}
		if m.latency != nil {
			m.latency.With("queue", q).Observe(elapsed.Seconds())
		}
	}

	if _, err := m.CheckAlerts(ctx, queueName); err != nil {
		level.Warn(m.logger).Log("msg", "unable to check alerts", "queue", queueName, "err", err)
	}
}

func (m *Monitor) count(ctx context.Context, queueName, outcome, jobID string, ms int64, now time.Time) error {
	if _, err := m.store.Incr(ctx, m.keys.Counter(queueName, outcome)); err != nil {
		return err
	}
	if err := m.decrProcessing(ctx, queueName); err != nil {
		return err
	}

	samples := m.keys.LatencySamples(queueName, now)
	member := fmt.Sprintf("%d:%s", ms, jobID)
	if err := m.store.ZAdd(ctx, samples, store.Z{Score: store.Millis(now), Member: member}); err != nil {
		return err
	}
	if _, err := m.store.ZRemRangeByRank(ctx, samples, 0, -MaxLatencySamples-1); err != nil {
		return err
	}
	if _, err := m.store.Expire(ctx, samples, latencyTTL); err != nil {
		return err
	}

	if err := m.incrWithTTL(ctx, m.keys.ThroughputHour(queueName, now), throughputHourTTL); err != nil {
		return err
	}
	return m.incrWithTTL(ctx, m.keys.ThroughputDay(queueName, now), throughputDayTTL)
}

// RecordRequeue undoes RecordStart for a job the visibility sweep pushed
// back onto the pending list.
func (m *Monitor) RecordRequeue(ctx context.Context, jobID, queueName string) {
	if err := job.SaveState(ctx, m.store, m.keys, jobID, job.StatePending, map[string]string{job.FieldQueue: queueName}, m.clock.Now()); err != nil {
		level.Warn(m.logger).Log("msg", "unable to record requeue", "job", jobID, "err", err)
	}
	for _, q := range []string{queueName, Global} {
		if err := m.decrProcessing(ctx, q); err != nil {
			level.Warn(m.logger).Log("msg", "unable to count requeued job", "queue", q, "err", err)
		}
	}
}

// decrProcessing decrements the processing gauge, clamping at zero since a
// crash between RecordStart and the increment can leave it short.
func (m *Monitor) decrProcessing(ctx context.Context, queueName string) error {
	key := m.keys.Counter(queueName, counterProcessing)
	n, err := m.store.Decr(ctx, key)
	if err != nil {
		return err
	}
	if n < 0 {
		return m.store.Set(ctx, key, "0", 0)
	}
	return nil
}

func (m *Monitor) incrWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	n, err := m.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if n == 1 {
		_, err = m.store.Expire(ctx, key, ttl)
	}
	return errors.Wrap(err, "monitor: expire counter")
}
