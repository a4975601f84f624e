package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

type enqueueOption struct {
	after    time.Duration
	at       *time.Time
	uniqueId string
}

// EnqueueOption defines some options for Enqueue.
type EnqueueOption func(o *enqueueOption)

// Defer is an EnqueueOption that defers the execution of the job for the
// period of time given.
func Defer(duration time.Duration) EnqueueOption {
	return func(o *enqueueOption) {
		o.after = duration
	}
}

// ScheduleAt is an EnqueueOption that defers the execution of the job until
// the time given. It supersedes Defer.
func ScheduleAt(t time.Time) EnqueueOption {
	return func(o *enqueueOption) {
		o.at = &t
	}
}

// UniqueId is an EnqueueOption that outsources the generation of the job id
// to the caller. Ids must never be reused.
func UniqueId(id string) EnqueueOption {
	return func(o *enqueueOption) {
		o.uniqueId = id
	}
}

// Enqueue stores a job and returns its id. The payload is JSON encoded unless
// it is a json.RawMessage or a []byte, which must already hold JSON. Without
// delay the job goes straight onto the pending list; otherwise it waits in the
// delayed set until PromoteDelayed moves it.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}, opts ...EnqueueOption) (string, error) {
	var o enqueueOption
	for _, f := range opts {
		f(&o)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.clock.Now()
	j := &job.Job{
		ID:        o.uniqueId,
		Queue:     q.name,
		Payload:   data,
		CreatedAt: now,
	}
	if j.ID == "" {
		j.ID = job.NewID(now)
	}
	executeAt := now.Add(o.after)
	if o.at != nil {
		executeAt = *o.at
	}
	delayed := executeAt.After(now)
	if delayed {
		j.ExecuteAt = &executeAt
	}

	raw, err := store.Encode(j)
	if err != nil {
		return "", err
	}
	state := job.StatePending
	if delayed {
		state = job.StateDelayed
		if err := q.store.Set(ctx, q.keys.DelayedJob(q.name, j.ID), raw, 0); err != nil {
			return "", errors.Wrapf(err, "enqueue %s failed", q.name)
		}
		if err := q.store.ZAdd(ctx, q.channels.Delayed, store.Z{Score: store.Millis(executeAt), Member: j.ID}); err != nil {
			return "", errors.Wrapf(err, "enqueue %s failed", q.name)
		}
	} else if _, err := q.store.LPush(ctx, q.channels.Pending, raw); err != nil {
		return "", errors.Wrapf(err, "enqueue %s failed", q.name)
	}

	if _, err := q.store.SAdd(ctx, q.keys.Queues(), q.name); err != nil {
		level.Warn(q.logger).Log("msg", "unable to register queue", "err", err)
	}
	q.saveState(ctx, j.ID, state, map[string]string{
		job.FieldQueue:      q.name,
		job.FieldCreatedAt:  job.FormatTime(now),
		job.FieldRetryCount: "0",
	})
	return j.ID, nil
}

// PromoteDelayed moves every delayed job whose execute-at time has come onto
// the pending list and returns how many it moved. Removing the id from the
// delayed set claims the job, so concurrent calls never promote it twice.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	due, err := q.store.ZRangeByScore(ctx, q.channels.Delayed, store.NegInf, store.Millis(q.clock.Now()), 0)
	if err != nil {
		return 0, errors.Wrap(err, "promote delayed jobs failed")
	}
	promoted := 0
	for _, z := range due {
		n, err := q.store.ZRem(ctx, q.channels.Delayed, z.Member)
		if err != nil {
			return promoted, errors.Wrap(err, "promote delayed jobs failed")
		}
		if n == 0 {
			continue
		}
		recordKey := q.keys.DelayedJob(q.name, z.Member)
		raw, err := q.store.Get(ctx, recordKey)
		if errors.Is(err, store.ErrNil) {
			level.Warn(q.logger).Log("msg", "delayed job record missing", "job", z.Member)
			continue
		}
		if err == nil {
			_, err = q.store.LPush(ctx, q.channels.Pending, raw)
		}
		if err != nil {
			// Put the claim back so that the next drain tries again.
			if zerr := q.store.ZAdd(ctx, q.channels.Delayed, z); zerr != nil {
				level.Error(q.logger).Log("msg", "unable to restore delayed job", "job", z.Member, "err", zerr)
			}
			return promoted, errors.Wrapf(err, "promote %s failed", z.Member)
		}
		if _, err := q.store.Del(ctx, recordKey); err != nil {
			level.Warn(q.logger).Log("msg", "unable to delete delayed job record", "job", z.Member, "err", err)
		}
		q.saveState(ctx, z.Member, job.StatePending, nil)
		promoted++
	}
	return promoted, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encode payload failed")
		}
		return b, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid json")
	}
	return data, nil
}
