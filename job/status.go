package job

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a job has no status record, either because it
// never existed or because the record expired.
var ErrNotFound = errors.New("job: status not found")

// StatusTTL bounds how long a status record outlives the last update.
const StatusTTL = 7 * 24 * time.Hour

// Status hash fields.
const (
	FieldID             = "id"
	FieldQueue          = "queue"
	FieldState          = "state"
	FieldCreatedAt      = "created_at"
	FieldStartedAt      = "started_at"
	FieldCompletedAt    = "completed_at"
	FieldProcessingTime = "processing_ms"
	FieldRetryCount     = "retry_count"
	FieldError          = "error"
	FieldResult         = "result"
	FieldUpdatedAt      = "updated_at"
)

// Status is the externally visible view of a job, as returned by GetStatus.
type Status struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	State          State           `json:"status"`
	CreatedAt      *time.Time      `json:"createdAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	ProcessingTime time.Duration   `json:"processingTime"`
	RetryCount     int             `json:"retryCount"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// SaveState writes the state plus any extra fields onto the status hash of a
// job and refreshes its expiry.
func SaveState(ctx context.Context, s store.Store, keys store.Keyspace, id string, state State, fields map[string]string, now time.Time) error {
	all := map[string]string{
		FieldID:        id,
		FieldState:     string(state),
		FieldUpdatedAt: FormatTime(now),
	}
	for k, v := range fields {
		all[k] = v
	}
	if err := s.HSet(ctx, keys.Job(id), all); err != nil {
		return err
	}
	_, err := s.Expire(ctx, keys.Job(id), StatusTTL)
	return err
}

// LoadStatus reads the status record of a job.
func LoadStatus(ctx context.Context, s store.Store, keys store.Keyspace, id string) (*Status, error) {
	m, err := s.HGetAll(ctx, keys.Job(id))
	if err != nil {
		return nil, errors.Wrap(err, "job: load status")
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return StatusFromHash(m), nil
}

// StatusFromHash parses a status hash. Unknown or malformed fields are left
// at their zero value.
func StatusFromHash(m map[string]string) *Status {
	st := &Status{
		ID:    m[FieldID],
		Queue: m[FieldQueue],
		State: State(m[FieldState]),
		Error: m[FieldError],
	}
	st.CreatedAt = ParseTime(m[FieldCreatedAt])
	st.StartedAt = ParseTime(m[FieldStartedAt])
	st.CompletedAt = ParseTime(m[FieldCompletedAt])
	if ms, err := strconv.ParseInt(m[FieldProcessingTime], 10, 64); err == nil {
		st.ProcessingTime = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.Atoi(m[FieldRetryCount]); err == nil {
		st.RetryCount = n
	}
	if r := m[FieldResult]; r != "" && json.Valid([]byte(r)) {
		st.Result = json.RawMessage(r)
	}
	return st
}

// FormatTime renders t for a status hash field.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a status hash time field, returning nil when absent.
func ParseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
