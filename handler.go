package queue

import (
	"context"
	"sync"

	"github.com/DoNewsCode/core-drain/job"
	"github.com/pkg/errors"
)

// ErrNoHandler is returned by Drain when no Handler is subscribed to the queue.
var ErrNoHandler = errors.New("queue: no handler subscribed")

// Handler processes the jobs of a queue.
type Handler interface {
	// Process is called once per delivery. Jobs are delivered at least once, so
	// Process must be idempotent. The result, if any, is stored on the status
	// record of the job. Wrap the error with NonRetryable to skip retries.
	Process(ctx context.Context, j *job.Job) (interface{}, error)
}

// HandlerFunc is a Handler implemented with a function.
type HandlerFunc func(ctx context.Context, j *job.Job) (interface{}, error)

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, j *job.Job) (interface{}, error) {
	return f(ctx, j)
}

// Listen creates a Handler without result in one line.
func Listen(callback func(ctx context.Context, j *job.Job) error) Handler {
	return HandlerFunc(func(ctx context.Context, j *job.Job) (interface{}, error) {
		return nil, callback(ctx, j)
	})
}

type nonRetryable struct {
	err error
}

func (e nonRetryable) Error() string { return e.err.Error() }

func (e nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks err as permanent: the failed job goes straight to the
// permanent failure list instead of being retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryable{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var target nonRetryable
	return errors.As(err, &target)
}

// Registry maps queue names to their Handler. Queues made by the same
// factory share one Registry. Registry is safe for concurrent use.
type Registry struct {
	handlers map[string]Handler
	rwLock   sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register subscribes handler to the named queue, replacing any previous one.
func (r *Registry) Register(queueName string, handler Handler) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()

	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[queueName] = handler
}

// Handler returns the handler of the named queue.
func (r *Registry) Handler(queueName string) (Handler, bool) {
	r.rwLock.RLock()
	defer r.rwLock.RUnlock()

	h, ok := r.handlers[queueName]
	return h, ok
}
