// Package job defines the job record that travels between the queue engine,
// the dead-letter queue and the job monitor, together with its lifecycle state
// machine and status record.
package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Job is the serialized unit of work. A Job is owned by whichever list or
// sorted set currently holds its record; ownership moves by moving the record
// between keys.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queueName"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExecuteAt  *time.Time      `json:"executeAt,omitempty"`
	RetryCount int             `json:"retryCount"`
	IsRetry    bool            `json:"isRetry"`
}

// Bind decodes the payload into v.
func (j *Job) Bind(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// NewID mints a store-wide unique job id: unix millis followed by a random
// suffix. Ids sort roughly by creation time.
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano()/int64(time.Millisecond), randomSuffix())
}

var (
	randMu sync.Mutex
	random = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomSuffix() string {
	const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 12)
	randMu.Lock()
	for i := range b {
		b[i] = letterBytes[random.Intn(len(letterBytes))]
	}
	randMu.Unlock()
	return string(b)
}
