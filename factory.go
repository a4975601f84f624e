package queue

import (
	"context"

	"github.com/DoNewsCode/core/di"
)

// QueueFactory is a factory for *Queue. Note QueueFactory doesn't contain the factory method
// itself. ie. How to factory a queue left there for users to define. Users then can use this type to create
// their own queue implementation.
//
// Here is an example on how to create a custom QueueFactory with an InProcessStore.
//
//		s := store.NewInProcessStore(store.SystemClock)
//		factory := di.NewFactory(func(name string) (di.Pair, error) {
//			return di.Pair{Conn: queue.NewQueue(name, s)}, nil
//		})
//		queueFactory := QueueFactory{Factory: factory}
//
type QueueFactory struct {
	*di.Factory
}

// Make returns a Queue by the given name. If it has already been created under the same name,
// the that one will be returned.
func (s QueueFactory) Make(name string) (*Queue, error) {
	client, err := s.Factory.Make(name)
	if err != nil {
		return nil, err
	}
	return client.(*Queue), nil
}

// Enqueue enqueues a job onto the named queue.
func (s QueueFactory) Enqueue(ctx context.Context, name string, payload interface{}, opts ...EnqueueOption) (string, error) {
	q, err := s.Make(name)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, payload, opts...)
}

// QueueMaker is the key of *QueueFactory in the dependencies graph. Used as a type hint for injection.
type QueueMaker interface {
	Make(string) (*Queue, error)
}
