package dlq

import (
	"encoding/json"
	"time"

	"github.com/DoNewsCode/core-drain/job"
)

// FailedJob is the dead-letter record of a job whose handler reported an
// error. It is mutated in place on every retry attempt.
type FailedJob struct {
	ID            string            `json:"id"`
	OriginalQueue string            `json:"originalQueue"`
	Payload       json.RawMessage   `json:"payload"`
	Error         string            `json:"error"`
	Status        job.State         `json:"status"`
	FailedAt      time.Time         `json:"failedAt"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastRetryAt   *time.Time        `json:"lastRetryAt,omitempty"`
	NextRetryAt   *time.Time        `json:"nextRetryAt,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Exhausted reports whether the retry budget is used up.
func (f *FailedJob) Exhausted() bool {
	return f.RetryCount >= f.MaxRetries
}

// moveTo transitions the record, tolerating a repeated write of the current
// state so that replays after a crash are harmless.
func (f *FailedJob) moveTo(to job.State) error {
	if f.Status == to {
		return nil
	}
	next, err := job.Transition(f.Status, to)
	if err != nil {
		return err
	}
	f.Status = next
	return nil
}

// Stats summarizes the dead-letter queue.
type Stats struct {
	// Tracked is the number of failed job records.
	Tracked int64 `json:"tracked"`
	// Scheduled is the number of retries waiting in the schedule.
	Scheduled int64 `json:"scheduled"`
	// Permanent is the number of jobs that exhausted their retries.
	Permanent int64 `json:"permanent"`
}

// DrainResult is the outcome of one DrainRetries pass.
type DrainResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Escalated int      `json:"escalated"`
	Errors    []string `json:"errors"`
}
