package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no failed job record exists for an id.
var ErrNotFound = errors.New("dlq: failed job not found")

// ErrDuplicateDelivery is returned by RecordFailure when the record is already
// waiting for a retry or escalated. The failure belongs to a redelivered copy
// of the job and the record is left untouched.
var ErrDuplicateDelivery = errors.New("dlq: failure already recorded")

// Service records failed jobs, schedules their retries and escalates the ones
// that exhaust their budget. It holds no state of its own; everything lives in
// the store.
type Service struct {
	store     store.Store
	keys      store.Keyspace
	logger    log.Logger
	clock     store.Clock
	random    func() float64
	batchSize int64
	escalate  func(ctx context.Context, failed *FailedJob)
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Service) { s.logger = log.With(logger, "component", "dlq") }
}

// WithClock replaces the wall clock.
func WithClock(clock store.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(s *Service) { s.random = f }
}

// WithBatchSize bounds how many due retries one DrainRetries pass handles.
func WithBatchSize(n int64) Option {
	return func(s *Service) { s.batchSize = n }
}

// WithEscalation registers a hook invoked whenever a job becomes a permanent
// failure, e.g. to page an operator.
func WithEscalation(f func(ctx context.Context, failed *FailedJob)) Option {
	return func(s *Service) { s.escalate = f }
}

// New creates a dead-letter queue service.
func New(s store.Store, keys store.Keyspace, opts ...Option) *Service {
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	svc := &Service{
		store:  s,
		keys:   keys,
		logger: log.NewNopLogger(),
		clock:  store.SystemClock,
		random: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rnd.Float64()
		},
		batchSize: 100,
	}
	for _, f := range opts {
		f(svc)
	}
	return svc
}

// FailureOption tunes RecordFailure.
type FailureOption func(*FailedJob)

// WithRetryCount seeds the retry count of a newly created record, for jobs
// that were already retried before their record was purged.
func WithRetryCount(n int) FailureOption {
	return func(f *FailedJob) {
		if f.RetryCount < n {
			f.RetryCount = n
		}
	}
}

// WithMetadata attaches a key/value pair to the record.
func WithMetadata(key, value string) FailureOption {
	return func(f *FailedJob) {
		if f.Metadata == nil {
			f.Metadata = make(map[string]string)
		}
		f.Metadata[key] = value
	}
}

// RecordFailure stores the failure of a job. The first failure creates the
// record with a zero retry count; later failures of the same job update the
// error and timestamps in place. The payload is kept verbatim.
//
// Whether the failure is followed by ScheduleRetry or Escalate is the
// caller's decision. A record in scheduled_retry or permanent_failure yields
// the stored record together with ErrDuplicateDelivery.
func (s *Service) RecordFailure(ctx context.Context, jobID, queueName string, payload json.RawMessage, errMessage string, cfg RetryConfig, opts ...FailureOption) (*FailedJob, error) {
	now := s.clock.Now()
	failed, err := s.Get(ctx, jobID)
	switch {
	case err == nil:
		if failed.Status == job.StateScheduledRetry || failed.Status == job.StatePermanentFailure {
			return failed, ErrDuplicateDelivery
		}
		if err := failed.moveTo(job.StateFailed); err != nil {
			return nil, err
		}
		failed.Error = errMessage
		failed.FailedAt = now
		failed.NextRetryAt = nil
	case errors.Is(err, ErrNotFound) || store.IsDecodeError(err):
		failed = &FailedJob{
			ID:            jobID,
			OriginalQueue: queueName,
			Payload:       payload,
			Error:         errMessage,
			Status:        job.StateFailed,
			FailedAt:      now,
			MaxRetries:    cfg.MaxRetries,
			CreatedAt:     now,
		}
	default:
		return nil, err
	}
	for _, f := range opts {
		f(failed)
	}

	if err := s.save(ctx, failed); err != nil {
		return nil, err
	}
	if err := s.store.ZAdd(ctx, s.keys.DLQIndex(), store.Z{Score: store.Millis(now), Member: jobID}); err != nil {
		return nil, errors.Wrap(err, "dlq: index failed job")
	}
	if _, err := s.store.SAdd(ctx, s.keys.DLQQueue(failed.OriginalQueue), jobID); err != nil {
		return nil, errors.Wrap(err, "dlq: track queue backlog")
	}
	s.saveState(ctx, failed, map[string]string{job.FieldError: errMessage})
	return failed, nil
}

// ScheduleRetry computes the retry delay and inserts the job into the retry
// schedule. It returns the time the retry becomes due.
func (s *Service) ScheduleRetry(ctx context.Context, jobID string, retryCount int, cfg RetryConfig) (time.Time, error) {
	failed, err := s.Get(ctx, jobID)
	if err != nil {
		return time.Time{}, err
	}
	if err := failed.moveTo(job.StateScheduledRetry); err != nil {
		return time.Time{}, err
	}
	var random func() float64
	if cfg.Jitter {
		random = s.random
	}
	due := s.clock.Now().Add(cfg.Delay(retryCount, random))
	failed.NextRetryAt = &due
	if cfg.MaxRetries > 0 {
		failed.MaxRetries = cfg.MaxRetries
	}
	if err := s.save(ctx, failed); err != nil {
		return time.Time{}, err
	}
	if err := s.store.ZAdd(ctx, s.keys.DLQRetries(), store.Z{Score: store.Millis(due), Member: jobID}); err != nil {
		return time.Time{}, errors.Wrap(err, "dlq: schedule retry")
	}
	s.saveState(ctx, failed, nil)
	level.Info(s.logger).Log("msg", "retry scheduled", "job", jobID, "retry", retryCount, "due", due)
	return due, nil
}

// DrainRetries promotes every due retry. Jobs that exhausted their budget are
// moved to the permanent-failure list; the others are pushed back onto their
// original queue with an incremented retry count. One failing retry never
// aborts the batch.
func (s *Service) DrainRetries(ctx context.Context) DrainResult {
	var result DrainResult
	due, err := s.store.ZRangeByScore(ctx, s.keys.DLQRetries(), store.NegInf, store.Millis(s.clock.Now()), s.batchSize)
	if err != nil {
		level.Warn(s.logger).Log("msg", "unable to read retry schedule", "err", err)
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	for _, z := range due {
		escalated, claimed, err := s.retryOne(ctx, z.Member)
		switch {
		case err != nil:
			level.Warn(s.logger).Log("msg", "retry failed", "job", z.Member, "err", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", z.Member, err))
		case !claimed:
		case escalated:
			result.Escalated++
		default:
			result.Processed++
		}
	}
	return result
}

func (s *Service) retryOne(ctx context.Context, jobID string) (escalated bool, claimed bool, err error) {
	// Removing the schedule entry is the claim: only one concurrent drain
	// sees a removal count of one.
	n, err := s.store.ZRem(ctx, s.keys.DLQRetries(), jobID)
	if err != nil {
		return false, false, errors.Wrap(err, "dlq: claim retry")
	}
	if n == 0 {
		return false, false, nil
	}

	failed, err := s.Get(ctx, jobID)
	if err != nil {
		return false, true, err
	}
	if failed.Exhausted() {
		return true, true, s.markPermanent(ctx, failed, "")
	}

	if err := failed.moveTo(job.StateRetrying); err != nil {
		return false, true, err
	}
	now := s.clock.Now()
	failed.RetryCount++
	failed.LastRetryAt = &now
	failed.NextRetryAt = nil
	if err := s.push(ctx, failed); err != nil {
		s.reschedule(ctx, jobID)
		return false, true, err
	}
	if err := s.save(ctx, failed); err != nil {
		return false, true, err
	}
	s.saveState(ctx, failed, nil)
	return false, true, nil
}

// Escalate moves a failed job straight to the permanent-failure list, for
// errors the caller classified as non-retryable.
func (s *Service) Escalate(ctx context.Context, jobID, reason string) error {
	failed, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := s.store.ZRem(ctx, s.keys.DLQRetries(), jobID); err != nil {
		return errors.Wrap(err, "dlq: unschedule")
	}
	return s.markPermanent(ctx, failed, reason)
}

func (s *Service) markPermanent(ctx context.Context, failed *FailedJob, reason string) error {
	if err := failed.moveTo(job.StatePermanentFailure); err != nil {
		return err
	}
	failed.NextRetryAt = nil
	if reason != "" {
		if failed.Metadata == nil {
			failed.Metadata = make(map[string]string)
		}
		failed.Metadata["escalation"] = reason
	}
	if err := s.save(ctx, failed); err != nil {
		return err
	}
	// LRem first keeps the list free of duplicates when a crash replays this.
	if _, err := s.store.LRem(ctx, s.keys.DLQPermanent(), 0, failed.ID); err != nil {
		return errors.Wrap(err, "dlq: dedupe permanent failure")
	}
	if _, err := s.store.LPush(ctx, s.keys.DLQPermanent(), failed.ID); err != nil {
		return errors.Wrap(err, "dlq: push permanent failure")
	}
	s.saveState(ctx, failed, map[string]string{job.FieldError: failed.Error})
	level.Error(s.logger).Log("msg", "job permanently failed", "job", failed.ID, "queue", failed.OriginalQueue, "retries", failed.RetryCount, "err", failed.Error)
	if s.escalate != nil {
		s.escalate(ctx, failed)
	}
	return nil
}

// Resolve ends dead-letter tracking of a job whose retry succeeded.
func (s *Service) Resolve(ctx context.Context, jobID string) error {
	failed, err := s.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if !store.IsDecodeError(err) {
			return err
		}
		failed = nil
	}
	return s.forget(ctx, jobID, failed)
}

// Requeue replays a permanently failed job with a fresh retry budget. This is
// the manual intervention path.
func (s *Service) Requeue(ctx context.Context, jobID string) error {
	failed, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if failed.Status != job.StatePermanentFailure {
		return errors.Wrapf(job.ErrInvalidTransition, "dlq: job %s is %s, not a permanent failure", jobID, failed.Status)
	}
	if err := failed.moveTo(job.StateRetrying); err != nil {
		return err
	}
	now := s.clock.Now()
	failed.RetryCount = 0
	failed.LastRetryAt = &now
	if err := s.push(ctx, failed); err != nil {
		return err
	}
	if err := s.save(ctx, failed); err != nil {
		return err
	}
	if _, err := s.store.LRem(ctx, s.keys.DLQPermanent(), 0, jobID); err != nil {
		return errors.Wrap(err, "dlq: remove permanent failure")
	}
	s.saveState(ctx, failed, nil)
	return nil
}

// PurgeOlderThan deletes failed job records, active and permanent alike, whose
// failedAt predates now minus the given number of days.
func (s *Service) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	stale, err := s.store.ZRangeByScore(ctx, s.keys.DLQIndex(), store.NegInf, store.Millis(cutoff), 0)
	if err != nil {
		return 0, errors.Wrap(err, "dlq: range index")
	}
	purged := 0
	for _, z := range stale {
		failed, err := s.Get(ctx, z.Member)
		if err != nil && !errors.Is(err, ErrNotFound) && !store.IsDecodeError(err) {
			level.Warn(s.logger).Log("msg", "unable to purge", "job", z.Member, "err", err)
			continue
		}
		if err != nil {
			failed = nil
		}
		if err := s.forget(ctx, z.Member, failed); err != nil {
			level.Warn(s.logger).Log("msg", "unable to purge", "job", z.Member, "err", err)
			continue
		}
		if _, err := s.store.LRem(ctx, s.keys.DLQPermanent(), 0, z.Member); err != nil {
			level.Warn(s.logger).Log("msg", "unable to purge permanent entry", "job", z.Member, "err", err)
		}
		purged++
	}
	if purged > 0 {
		level.Info(s.logger).Log("msg", "purged failed jobs", "count", purged, "days", days)
	}
	return purged, nil
}

// forget removes every trace of a failed job except a permanent-failure list
// entry.
func (s *Service) forget(ctx context.Context, jobID string, failed *FailedJob) error {
	if _, err := s.store.Del(ctx, s.keys.DLQJob(jobID)); err != nil {
		return errors.Wrap(err, "dlq: delete record")
	}
	if _, err := s.store.ZRem(ctx, s.keys.DLQRetries(), jobID); err != nil {
		return errors.Wrap(err, "dlq: unschedule")
	}
	if _, err := s.store.ZRem(ctx, s.keys.DLQIndex(), jobID); err != nil {
		return errors.Wrap(err, "dlq: unindex")
	}
	if failed != nil {
		if _, err := s.store.SRem(ctx, s.keys.DLQQueue(failed.OriginalQueue), jobID); err != nil {
			return errors.Wrap(err, "dlq: untrack queue backlog")
		}
	}
	return nil
}

// Get loads a failed job record. A malformed record is reported as a
// *store.DecodeError.
func (s *Service) Get(ctx context.Context, jobID string) (*FailedJob, error) {
	raw, err := s.store.Get(ctx, s.keys.DLQJob(jobID))
	if errors.Is(err, store.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "dlq: get record")
	}
	var failed FailedJob
	if err := store.Decode(raw, &failed); err != nil {
		return nil, err
	}
	return &failed, nil
}

// ListPermanent returns up to limit permanent failures, newest first.
// Missing or malformed records are skipped.
func (s *Service) ListPermanent(ctx context.Context, limit int64) ([]*FailedJob, error) {
	ids, err := s.store.LRange(ctx, s.keys.DLQPermanent(), 0, limit-1)
	if err != nil {
		return nil, errors.Wrap(err, "dlq: list permanent failures")
	}
	out := make([]*FailedJob, 0, len(ids))
	for _, id := range ids {
		failed, err := s.Get(ctx, id)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping permanent failure", "job", id, "err", err)
			continue
		}
		out = append(out, failed)
	}
	return out, nil
}

// Stats summarizes the dead-letter queue.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		err   error
	)
	if stats.Tracked, err = s.store.ZCard(ctx, s.keys.DLQIndex()); err != nil {
		return stats, errors.Wrap(err, "dlq: stats")
	}
	if stats.Scheduled, err = s.store.ZCard(ctx, s.keys.DLQRetries()); err != nil {
		return stats, errors.Wrap(err, "dlq: stats")
	}
	if stats.Permanent, err = s.store.LLen(ctx, s.keys.DLQPermanent()); err != nil {
		return stats, errors.Wrap(err, "dlq: stats")
	}
	return stats, nil
}

// Backlog counts the tracked failed jobs of one queue.
func (s *Service) Backlog(ctx context.Context, queueName string) (int64, error) {
	n, err := s.store.SCard(ctx, s.keys.DLQQueue(queueName))
	return n, errors.Wrap(err, "dlq: backlog")
}

func (s *Service) save(ctx context.Context, failed *FailedJob) error {
	raw, err := store.Encode(failed)
	if err != nil {
		return err
	}
	return errors.Wrap(s.store.Set(ctx, s.keys.DLQJob(failed.ID), raw, 0), "dlq: save record")
}

// push re-enqueues the original payload onto the pending list of its queue.
func (s *Service) push(ctx context.Context, failed *FailedJob) error {
	raw, err := store.Encode(&job.Job{
		ID:         failed.ID,
		Queue:      failed.OriginalQueue,
		Payload:    failed.Payload,
		CreatedAt:  failed.CreatedAt,
		RetryCount: failed.RetryCount,
		IsRetry:    true,
	})
	if err != nil {
		return err
	}
	_, err = s.store.LPush(ctx, s.keys.Pending(failed.OriginalQueue), raw)
	return errors.Wrap(err, "dlq: re-enqueue")
}

// reschedule puts a claimed retry back so it is attempted again later instead
// of being lost.
func (s *Service) reschedule(ctx context.Context, jobID string) {
	due := s.clock.Now().Add(MinDelay)
	if err := s.store.ZAdd(ctx, s.keys.DLQRetries(), store.Z{Score: store.Millis(due), Member: jobID}); err != nil {
		level.Error(s.logger).Log("msg", "unable to reschedule retry", "job", jobID, "err", err)
	}
}

// saveState mirrors the record onto the job status hash. Best effort.
func (s *Service) saveState(ctx context.Context, failed *FailedJob, fields map[string]string) {
	all := map[string]string{
		job.FieldQueue:      failed.OriginalQueue,
		job.FieldRetryCount: strconv.Itoa(failed.RetryCount),
	}
	for k, v := range fields {
		all[k] = v
	}
	if err := job.SaveState(ctx, s.store, s.keys, failed.ID, failed.Status, all, s.clock.Now()); err != nil {
		level.Warn(s.logger).Log("msg", "unable to save job status", "job", failed.ID, "err", err)
	}
}
