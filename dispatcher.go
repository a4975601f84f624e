package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/DoNewsCode/core-drain/dlq"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/monitor"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DrainResult is the outcome of one Drain.
type DrainResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Queue emulates a durable job queue on top of the primitive operations of a
// store. A Queue is bound to one queue name and keeps no state between calls
// besides its configuration, so any number of Queues, in any number of
// processes, may serve the same queue.
type Queue struct {
	name                     string
	store                    store.Store
	keys                     store.Keyspace
	channels                 ChannelConfig
	logger                   log.Logger
	clock                    store.Clock
	registry                 *Registry
	deadLetters              *dlq.Service
	monitor                  *monitor.Monitor
	eventDispatcher          contract.Dispatcher
	retry                    dlq.RetryConfig
	maxJobs                  int
	visibilityTimeout        time.Duration
	handleTimeout            time.Duration
	pollInterval             time.Duration
	queueLengthGauge         metrics.Gauge
	checkQueueLengthInterval time.Duration
	jobCounter               metrics.Counter
	latency                  metrics.Histogram
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// DeadLetters returns the dead-letter queue the Queue reports failures to.
func (q *Queue) DeadLetters() *dlq.Service {
	return q.deadLetters
}

// Monitor returns the job monitor the Queue reports outcomes to.
func (q *Queue) Monitor() *monitor.Monitor {
	return q.monitor
}

// Subscribe subscribes the handler to this queue.
func (q *Queue) Subscribe(handler Handler) {
	q.registry.Register(q.name, handler)
}

// DequeueOne pops the oldest pending job, or returns nil when there is none.
// The popped job stays in flight until Ack; if it is not acknowledged within
// the visibility timeout, RequeueStale pushes it back. A record that cannot be
// decoded is moved to the corrupt list and reported as a *store.DecodeError.
func (q *Queue) DequeueOne(ctx context.Context) (*job.Job, error) {
	raw, err := q.store.RPop(ctx, q.channels.Pending)
	if errors.Is(err, store.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dequeue %s failed", q.name)
	}
	var j job.Job
	if err := store.Decode(raw, &j); err != nil {
		if _, perr := q.store.LPush(ctx, q.channels.Corrupt, raw); perr != nil {
			level.Error(q.logger).Log("msg", "unable to keep corrupt record", "err", perr)
		}
		return nil, err
	}

	deadline := q.clock.Now().Add(q.visibilityTimeout)
	if err := q.store.HSet(ctx, q.channels.InFlight, map[string]string{j.ID: raw}); err != nil {
		level.Warn(q.logger).Log("msg", "unable to track in-flight job", "job", j.ID, "err", err)
		return &j, nil
	}
	if err := q.store.ZAdd(ctx, q.channels.Deadlines, store.Z{Score: store.Millis(deadline), Member: j.ID}); err != nil {
		level.Warn(q.logger).Log("msg", "unable to track in-flight deadline", "job", j.ID, "err", err)
	}
	return &j, nil
}

// Ack ends the visibility window of a popped job once its outcome has been
// recorded.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if _, err := q.store.ZRem(ctx, q.channels.Deadlines, jobID); err != nil {
		return errors.Wrapf(err, "ack %s failed", jobID)
	}
	if _, err := q.store.HDel(ctx, q.channels.InFlight, jobID); err != nil {
		return errors.Wrapf(err, "ack %s failed", jobID)
	}
	return nil
}

// RequeueStale pushes back every in-flight job whose visibility timeout passed
// without an Ack, typically because the process handling it died. Removing the
// deadline claims the job, so concurrent sweeps never requeue it twice.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	stale, err := q.store.ZRangeByScore(ctx, q.channels.Deadlines, store.NegInf, store.Millis(q.clock.Now()), 0)
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale jobs failed")
	}
	requeued := 0
	for _, z := range stale {
		n, err := q.store.ZRem(ctx, q.channels.Deadlines, z.Member)
		if err != nil {
			return requeued, errors.Wrap(err, "requeue stale jobs failed")
		}
		if n == 0 {
			continue
		}
		raw, err := q.store.HGet(ctx, q.channels.InFlight, z.Member)
		if errors.Is(err, store.ErrNil) {
			continue
		}
		if err == nil {
			_, err = q.store.LPush(ctx, q.channels.Pending, raw)
		}
		if err != nil {
			if zerr := q.store.ZAdd(ctx, q.channels.Deadlines, z); zerr != nil {
				level.Error(q.logger).Log("msg", "unable to restore in-flight deadline", "job", z.Member, "err", zerr)
			}
			return requeued, errors.Wrapf(err, "requeue %s failed", z.Member)
		}
		if _, err := q.store.HDel(ctx, q.channels.InFlight, z.Member); err != nil {
			level.Warn(q.logger).Log("msg", "unable to untrack in-flight job", "job", z.Member, "err", err)
		}
		q.monitor.RecordRequeue(ctx, z.Member, q.name)
		level.Warn(q.logger).Log("msg", "requeued job past its visibility timeout", "job", z.Member)
		requeued++
	}
	return requeued, nil
}

// Drain is one polling pass: it requeues stale in-flight jobs, promotes due
// delayed jobs, then pops and processes up to maxJobs pending jobs one after
// another. A nil handler means the subscribed one; maxJobs <= 0 means the
// configured default. Failures are routed to the dead-letter queue and
// reported in the result; only a missing handler is returned as an error.
func (q *Queue) Drain(ctx context.Context, maxJobs int, handler Handler) (DrainResult, error) {
	result := DrainResult{Errors: []string{}}
	if handler == nil {
		var ok bool
		if handler, ok = q.registry.Handler(q.name); !ok {
			return result, ErrNoHandler
		}
	}
	if maxJobs <= 0 {
		maxJobs = q.maxJobs
	}

	if _, err := q.RequeueStale(ctx); err != nil {
		level.Warn(q.logger).Log("err", err)
	}
	if _, err := q.PromoteDelayed(ctx); err != nil {
		level.Warn(q.logger).Log("err", err)
	}

	for i := 0; i < maxJobs && ctx.Err() == nil; i++ {
		j, err := q.DequeueOne(ctx)
		if store.IsDecodeError(err) {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err != nil {
			level.Warn(q.logger).Log("err", err)
			result.Errors = append(result.Errors, err.Error())
			break
		}
		if j == nil {
			break
		}
		if err := q.work(ctx, handler, j); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", j.ID, err))
			continue
		}
		result.Processed++
	}

	if q.queueLengthGauge != nil {
		q.gauge(ctx)
	}
	return result, nil
}

// work processes one job and records its outcome. The returned error is the
// handler's.
func (q *Queue) work(ctx context.Context, handler Handler, j *job.Job) error {
	q.monitor.RecordStart(ctx, j.ID, q.name)
	if j.RetryCount > 0 {
		q.saveState(ctx, j.ID, job.StateProcessing, map[string]string{job.FieldRetryCount: fmt.Sprint(j.RetryCount)})
	}

	handleCtx, cancel := context.WithTimeout(ctx, q.handleTimeout)
	result, err := q.process(handleCtx, handler, j)
	cancel()

	if err != nil {
		q.monitor.RecordCompletion(ctx, j.ID, q.name, false, err, nil)
		if q.fail(ctx, j, err) {
			q.ack(ctx, j.ID)
		}
		return err
	}

	q.monitor.RecordCompletion(ctx, j.ID, q.name, true, nil, result)
	if j.IsRetry {
		if err := q.deadLetters.Resolve(ctx, j.ID); err != nil {
			level.Warn(q.logger).Log("msg", "unable to resolve dead letter", "job", j.ID, "err", err)
		}
	}
	q.ack(ctx, j.ID)
	return nil
}

// fail hands a failed job over to the dead-letter queue. It reports whether
// the hand-over completed; if not, the job is left in flight so that it is
// delivered again after the visibility timeout.
func (q *Queue) fail(ctx context.Context, j *job.Job, jobErr error) bool {
	failed, err := q.deadLetters.RecordFailure(ctx, j.ID, q.name, j.Payload, jobErr.Error(), q.retry, dlq.WithRetryCount(j.RetryCount))
	if errors.Is(err, dlq.ErrDuplicateDelivery) {
		level.Info(q.logger).Log("msg", "dropping duplicate delivery", "job", j.ID, "status", failed.Status)
		q.saveState(ctx, j.ID, failed.Status, nil)
		return true
	}
	if err != nil {
		level.Error(q.logger).Log("msg", "unable to record failure", "job", j.ID, "err", err)
		return false
	}

	if IsNonRetryable(jobErr) {
		// The escalation hook fires BeforeAbort.
		if err := q.deadLetters.Escalate(ctx, j.ID, "non-retryable"); err != nil {
			level.Error(q.logger).Log("msg", "unable to escalate failure", "job", j.ID, "err", err)
			return false
		}
		return true
	}

	q.dispatch(ctx, BeforeRetry, BeforeRetryPayload{Err: jobErr, Job: j, RetryCount: failed.RetryCount})
	if _, err := q.deadLetters.ScheduleRetry(ctx, j.ID, failed.RetryCount, q.retry); err != nil {
		level.Error(q.logger).Log("msg", "unable to schedule retry", "job", j.ID, "err", err)
		return false
	}
	_ = level.Info(q.logger).Log("err", errors.Wrapf(jobErr, "job %s failed %d times, retrying", j.ID, failed.RetryCount+1))
	return true
}

func (q *Queue) process(ctx context.Context, handler Handler, j *job.Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			level.Error(q.logger).Log("msg", "handler panicked", "job", j.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return handler.Process(ctx, j)
}

func (q *Queue) ack(ctx context.Context, jobID string) {
	if err := q.Ack(ctx, jobID); err != nil {
		level.Warn(q.logger).Log("err", err)
	}
}

func (q *Queue) dispatch(ctx context.Context, topic event, payload interface{}) {
	if q.eventDispatcher == nil {
		return
	}
	if err := q.eventDispatcher.Dispatch(ctx, topic, payload); err != nil {
		level.Warn(q.logger).Log("msg", "event listener failed", "event", topic, "err", err)
	}
}

// escalated is the dead-letter escalation hook of the Queue.
func (q *Queue) escalated(ctx context.Context, failed *dlq.FailedJob) {
	q.dispatch(ctx, BeforeAbort, BeforeAbortPayload{
		Err: errors.New(failed.Error),
		Job: &job.Job{
			ID:         failed.ID,
			Queue:      failed.OriginalQueue,
			Payload:    failed.Payload,
			CreatedAt:  failed.CreatedAt,
			RetryCount: failed.RetryCount,
			IsRetry:    failed.RetryCount > 0,
		},
		FailedAt:  failed.FailedAt,
		Exhausted: failed.Exhausted(),
	})
}

// Info reports the length of every channel of the queue.
func (q *Queue) Info(ctx context.Context) (QueueInfo, error) {
	var (
		info QueueInfo
		err  error
	)
	if info.Pending, err = q.store.LLen(ctx, q.channels.Pending); err != nil {
		return info, errors.Wrap(err, "queue info failed")
	}
	if info.Delayed, err = q.store.ZCard(ctx, q.channels.Delayed); err != nil {
		return info, errors.Wrap(err, "queue info failed")
	}
	if info.InFlight, err = q.store.ZCard(ctx, q.channels.Deadlines); err != nil {
		return info, errors.Wrap(err, "queue info failed")
	}
	if info.Corrupt, err = q.store.LLen(ctx, q.channels.Corrupt); err != nil {
		return info, errors.Wrap(err, "queue info failed")
	}
	if info.Failed, err = q.deadLetters.Backlog(ctx, q.name); err != nil {
		return info, errors.Wrap(err, "queue info failed")
	}
	return info, nil
}

// GetStatus returns the status record of a job.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*job.Status, error) {
	return job.LoadStatus(ctx, q.store, q.keys, jobID)
}

// DrainAll drains due retries into their queues, then drains this queue.
func (q *Queue) DrainAll(ctx context.Context, maxJobs int) (DrainResult, error) {
	retries := q.deadLetters.DrainRetries(ctx)
	for _, e := range retries.Errors {
		level.Warn(q.logger).Log("msg", "retry failed", "err", e)
	}
	return q.Drain(ctx, maxJobs, nil)
}

// Consume polls the queue every poll interval until ctx is canceled, standing
// in for the external scheduler during development. It also reports the queue
// length gauge, if one is set.
func (q *Queue) Consume(ctx context.Context) error {
	if q.pollInterval <= 0 {
		return errors.New("consume requires a positive poll interval")
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := q.DrainAll(ctx, 0); err != nil {
					level.Warn(q.logger).Log("err", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if q.queueLengthGauge != nil {
		if q.checkQueueLengthInterval == 0 {
			q.checkQueueLengthInterval = 15 * time.Second
		}
		ticker := time.NewTicker(q.checkQueueLengthInterval)
		g.Go(func() error {
			for {
				select {
				case <-ticker.C:
					q.gauge(ctx)
				case <-ctx.Done():
					ticker.Stop()
					return ctx.Err()
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) gauge(ctx context.Context) {
	queueInfo, err := q.Info(ctx)
	if err != nil {
		_ = level.Warn(q.logger).Log("err", err)
		return
	}
	q.queueLengthGauge.With("queue", q.name, "channel", "pending").Set(float64(queueInfo.Pending))
	q.queueLengthGauge.With("queue", q.name, "channel", "delayed").Set(float64(queueInfo.Delayed))
	q.queueLengthGauge.With("queue", q.name, "channel", "inflight").Set(float64(queueInfo.InFlight))
	q.queueLengthGauge.With("queue", q.name, "channel", "failed").Set(float64(queueInfo.Failed))
	q.queueLengthGauge.With("queue", q.name, "channel", "corrupt").Set(float64(queueInfo.Corrupt))
}

func (q *Queue) saveState(ctx context.Context, jobID string, state job.State, fields map[string]string) {
	if err := job.SaveState(ctx, q.store, q.keys, jobID, state, fields, q.clock.Now()); err != nil {
		level.Warn(q.logger).Log("msg", "unable to save job status", "job", jobID, "err", err)
	}
}

// UseLogger is an option for NewQueue that feeds the queue with a Logger of choice.
func UseLogger(logger log.Logger) func(*Queue) {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// UseClock is an option for NewQueue that replaces the wall clock, mostly for tests.
func UseClock(clock store.Clock) func(*Queue) {
	return func(queue *Queue) {
		queue.clock = clock
	}
}

// UseKeyspace is an option for NewQueue that sets the key prefix shared by
// every component.
func UseKeyspace(keys store.Keyspace) func(*Queue) {
	return func(queue *Queue) {
		queue.keys = keys
	}
}

// UseRegistry is an option for NewQueue that shares a handler registry between queues.
func UseRegistry(registry *Registry) func(*Queue) {
	return func(queue *Queue) {
		queue.registry = registry
	}
}

// UseRetryConfig is an option for NewQueue that sets the retry policy of failed jobs.
func UseRetryConfig(retry dlq.RetryConfig) func(*Queue) {
	return func(queue *Queue) {
		queue.retry = retry
	}
}

// UseMaxJobs is an option for NewQueue that sets how many jobs a Drain
// processes when the caller doesn't say.
func UseMaxJobs(maxJobs int) func(*Queue) {
	return func(queue *Queue) {
		queue.maxJobs = maxJobs
	}
}

// UseVisibilityTimeout is an option for NewQueue that sets how long a popped
// job may stay unacknowledged before it is delivered again.
func UseVisibilityTimeout(timeout time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.visibilityTimeout = timeout
	}
}

// UseHandleTimeout is an option for NewQueue that bounds each handler call.
func UseHandleTimeout(timeout time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.handleTimeout = timeout
	}
}

// UsePollInterval is an option for NewQueue that sets the cadence of Consume.
func UsePollInterval(interval time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.pollInterval = interval
	}
}

// UseGauge is an option for NewQueue that collects a gauge metrics
func UseGauge(gauge metrics.Gauge, interval time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.queueLengthGauge = gauge
		queue.checkQueueLengthInterval = interval
	}
}

// UseMetrics is an option for NewQueue that mirrors job outcomes and
// processing times onto go-kit metrics. Either may be nil.
func UseMetrics(counter metrics.Counter, histogram metrics.Histogram) func(*Queue) {
	return func(queue *Queue) {
		queue.jobCounter = counter
		queue.latency = histogram
	}
}

// UseEventDispatcher is an option for NewQueue that receives the BeforeRetry
// and BeforeAbort events.
func UseEventDispatcher(dispatcher contract.Dispatcher) func(*Queue) {
	return func(queue *Queue) {
		queue.eventDispatcher = dispatcher
	}
}

// NewQueue creates the Queue of the given name. The dead-letter queue and the
// job monitor share the store, keyspace, logger and clock of the Queue.
func NewQueue(name string, s store.Store, opts ...func(*Queue)) *Queue {
	q := Queue{
		name:              name,
		store:             s,
		keys:              store.Keyspace{Prefix: "queue"},
		logger:            log.NewNopLogger(),
		clock:             store.SystemClock,
		retry:             dlq.DefaultRetryConfig(),
		maxJobs:           10,
		visibilityTimeout: 5 * time.Minute,
		handleTimeout:     time.Minute,
	}
	for _, f := range opts {
		f(&q)
	}
	if q.registry == nil {
		q.registry = NewRegistry()
	}
	if q.handleTimeout > q.visibilityTimeout {
		q.visibilityTimeout = q.handleTimeout
	}
	q.channels = ChannelsOf(q.keys, name)
	q.logger = log.With(q.logger, "queue", name)
	q.deadLetters = dlq.New(s, q.keys,
		dlq.WithLogger(q.logger),
		dlq.WithClock(q.clock),
		dlq.WithEscalation(q.escalated),
	)
	q.monitor = monitor.New(s, q.keys, q.deadLetters,
		monitor.WithLogger(q.logger),
		monitor.WithClock(q.clock),
		monitor.WithCounter(q.jobCounter),
		monitor.WithHistogram(q.latency),
	)
	return &q
}
