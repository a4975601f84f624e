package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock *store.ManualClock
	store *store.InProcessStore
	keys  store.Keyspace
	dlq   *Service
}

func setUp(opts ...Option) fixture {
	clock := store.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewInProcessStore(clock)
	keys := store.NewKeyspace("app", "testing")
	opts = append([]Option{WithClock(clock), WithRandom(func() float64 { return 0.5 })}, opts...)
	return fixture{clock: clock, store: s, keys: keys, dlq: New(s, keys, opts...)}
}

func (f fixture) pending(t *testing.T, queue string) []job.Job {
	raws, err := f.store.LRange(context.Background(), f.keys.Pending(queue), 0, -1)
	require.NoError(t, err)
	var out []job.Job
	for _, raw := range raws {
		var j job.Job
		require.NoError(t, store.Decode(raw, &j))
		out = append(out, j)
	}
	return out
}

func TestService_RecordFailure(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	failed, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{"text":"x"}`), "boom", cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, 3, failed.MaxRetries)
	assert.Equal(t, job.StateFailed, failed.Status)
	assert.JSONEq(t, `{"text":"x"}`, string(failed.Payload))

	backlog, err := f.dlq.Backlog(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)

	status, err := f.store.HGet(ctx, f.keys.Job("1-a"), job.FieldState)
	require.NoError(t, err)
	assert.Equal(t, string(job.StateFailed), status)

	_, err = f.dlq.RecordFailure(ctx, "2-b", "mail", []byte(`{}`), "boom", cfg, WithRetryCount(2), WithMetadata("worker", "w1"))
	require.NoError(t, err)
	got, err := f.dlq.Get(ctx, "2-b")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "w1", got.Metadata["worker"])
}

func TestService_RecordFailure_duplicateDelivery(t *testing.T) {
	cfg := DefaultRetryConfig()
	cases := []struct {
		name  string
		setup func(ctx context.Context, s *Service) error
		want  job.State
	}{
		{"scheduled retry", func(ctx context.Context, s *Service) error {
			_, err := s.ScheduleRetry(ctx, "1-a", 0, cfg)
			return err
		}, job.StateScheduledRetry},
		{"permanent failure", func(ctx context.Context, s *Service) error {
			return s.Escalate(ctx, "1-a", "non-retryable")
		}, job.StatePermanentFailure},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := setUp()
			ctx := context.Background()
			_, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "first", cfg)
			require.NoError(t, err)
			require.NoError(t, c.setup(ctx, f.dlq))

			f.clock.Advance(time.Second)
			failed, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "second", cfg)
			assert.ErrorIs(t, err, ErrDuplicateDelivery)
			require.NotNil(t, failed)
			assert.Equal(t, c.want, failed.Status)

			stored, err := f.dlq.Get(ctx, "1-a")
			require.NoError(t, err)
			assert.Equal(t, c.want, stored.Status)
			assert.Equal(t, "first", stored.Error)
		})
	}
}

func TestService_ScheduleRetry(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	_, err := f.dlq.ScheduleRetry(ctx, "missing", 0, cfg)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "boom", cfg)
	require.NoError(t, err)
	due, err := f.dlq.ScheduleRetry(ctx, "1-a", 1, cfg)
	require.NoError(t, err)
	// random 0.5 means zero jitter.
	assert.Equal(t, f.clock.Now().Add(time.Minute), due)

	scheduled, err := f.store.ZRangeByScore(ctx, f.keys.DLQRetries(), store.NegInf, store.PosInf, 0)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "1-a", scheduled[0].Member)
	assert.Equal(t, store.Millis(due), scheduled[0].Score)

	failed, err := f.dlq.Get(ctx, "1-a")
	require.NoError(t, err)
	assert.Equal(t, job.StateScheduledRetry, failed.Status)
	require.NotNil(t, failed.NextRetryAt)
}

func TestService_DrainRetries(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	_, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{"text":"x"}`), "boom", cfg)
	require.NoError(t, err)
	_, err = f.dlq.ScheduleRetry(ctx, "1-a", 0, cfg)
	require.NoError(t, err)

	result := f.dlq.DrainRetries(ctx)
	assert.Equal(t, 0, result.Processed, "not due yet")
	assert.Empty(t, f.pending(t, "mail"))

	f.clock.Advance(31 * time.Second)
	result = f.dlq.DrainRetries(ctx)
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Errors)

	pending := f.pending(t, "mail")
	require.Len(t, pending, 1)
	assert.Equal(t, "1-a", pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.True(t, pending[0].IsRetry)
	assert.JSONEq(t, `{"text":"x"}`, string(pending[0].Payload))

	result = f.dlq.DrainRetries(ctx)
	assert.Equal(t, 0, result.Processed, "a drained retry is not promoted twice")

	failed, err := f.dlq.Get(ctx, "1-a")
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, failed.Status)
	assert.NotNil(t, failed.LastRetryAt)
}

func TestService_DrainRetriesEscalatesExhaustedJobs(t *testing.T) {
	var escalated []*FailedJob
	f := setUp(WithEscalation(func(ctx context.Context, failed *FailedJob) {
		escalated = append(escalated, failed)
	}))
	ctx := context.Background()
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 1

	_, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "boom", cfg, WithRetryCount(1))
	require.NoError(t, err)
	_, err = f.dlq.ScheduleRetry(ctx, "1-a", 1, cfg)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	result := f.dlq.DrainRetries(ctx)
	assert.Equal(t, 1, result.Escalated)
	assert.Empty(t, f.pending(t, "mail"))
	require.Len(t, escalated, 1)
	assert.Equal(t, "1-a", escalated[0].ID)

	permanent, err := f.dlq.ListPermanent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	assert.Equal(t, job.StatePermanentFailure, permanent[0].Status)

	stats, err := f.dlq.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Tracked: 1, Scheduled: 0, Permanent: 1}, stats)
}

func TestService_DrainRetriesToleratesCorruptRecords(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	require.NoError(t, f.store.Set(ctx, f.keys.DLQJob("bad"), "{garbage", 0))
	require.NoError(t, f.store.ZAdd(ctx, f.keys.DLQRetries(), store.Z{Score: 0, Member: "bad"}))
	_, err := f.dlq.RecordFailure(ctx, "good", "mail", []byte(`{}`), "boom", cfg)
	require.NoError(t, err)
	_, err = f.dlq.ScheduleRetry(ctx, "good", 0, cfg)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	result := f.dlq.DrainRetries(ctx)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "bad")
}

func TestService_EscalateAndRequeue(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	_, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "invalid input", cfg)
	require.NoError(t, err)
	require.NoError(t, f.dlq.Escalate(ctx, "1-a", "non-retryable"))

	failed, err := f.dlq.Get(ctx, "1-a")
	require.NoError(t, err)
	assert.Equal(t, job.StatePermanentFailure, failed.Status)
	assert.Equal(t, "non-retryable", failed.Metadata["escalation"])

	require.NoError(t, f.dlq.Requeue(ctx, "1-a"))
	pending := f.pending(t, "mail")
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)

	stats, err := f.dlq.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Permanent)

	err = f.dlq.Requeue(ctx, "1-a")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestService_Resolve(t *testing.T) {
	f := setUp()
	ctx := context.Background()

	_, err := f.dlq.RecordFailure(ctx, "1-a", "mail", []byte(`{}`), "boom", DefaultRetryConfig())
	require.NoError(t, err)
	require.NoError(t, f.dlq.Resolve(ctx, "1-a"))
	require.NoError(t, f.dlq.Resolve(ctx, "1-a"), "resolving twice is harmless")

	_, err = f.dlq.Get(ctx, "1-a")
	assert.ErrorIs(t, err, ErrNotFound)
	backlog, err := f.dlq.Backlog(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog)
}

func TestService_PurgeOlderThan(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	_, err := f.dlq.RecordFailure(ctx, "old", "mail", []byte(`{}`), "boom", cfg)
	require.NoError(t, err)
	require.NoError(t, f.dlq.Escalate(ctx, "old", "manual"))

	f.clock.Advance(10 * 24 * time.Hour)
	_, err = f.dlq.RecordFailure(ctx, "new", "mail", []byte(`{}`), "boom", cfg)
	require.NoError(t, err)

	n, err := f.dlq.PurgeOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.dlq.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.dlq.Get(ctx, "new")
	assert.NoError(t, err)

	stats, err := f.dlq.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Tracked: 1}, stats)
}
