package queue

import (
	"time"

	"github.com/DoNewsCode/core-drain/job"
)

type event string

const (
	// BeforeRetry is an event that triggers when a failed job is about to be
	// scheduled for retry.
	BeforeRetry event = "beforeRetry"
	// BeforeAbort is an event that triggers when a failed job is about to be
	// moved to the permanent failure list, either because its error is
	// non-retryable or because its retries are exhausted.
	BeforeAbort event = "beforeAbort"
)

// BeforeRetryPayload is the payload of BeforeRetry.
type BeforeRetryPayload struct {
	Err        error
	Job        *job.Job
	RetryCount int
}

// BeforeAbortPayload is the payload of BeforeAbort.
type BeforeAbortPayload struct {
	Err       error
	Job       *job.Job
	FailedAt  time.Time
	Exhausted bool
}
