package queue_test

import (
	"context"
	"fmt"
	"time"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/store"
)

func Example() {
	q := queue.NewQueue("greetings", store.NewInProcessStore(nil))
	q.Subscribe(queue.Listen(func(ctx context.Context, j *job.Job) error {
		var name string
		if err := j.Bind(&name); err != nil {
			return queue.NonRetryable(err)
		}
		fmt.Println("hello,", name)
		return nil
	}))

	ctx := context.Background()
	q.Enqueue(ctx, "world")
	q.Enqueue(ctx, "gopher")
	q.Enqueue(ctx, "later", queue.Defer(time.Hour))

	result, _ := q.Drain(ctx, 10, nil)
	fmt.Println("processed:", result.Processed)

	// Output:
	// hello, world
	// hello, gopher
	// processed: 2
}

func Example_delayed() {
	clock := store.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewQueue("reminders", store.NewInProcessStore(clock), queue.UseClock(clock))
	handler := queue.Listen(func(ctx context.Context, j *job.Job) error {
		fmt.Println(string(j.Payload))
		return nil
	})

	ctx := context.Background()
	q.Enqueue(ctx, map[string]int{"days": 30}, queue.Defer(30*24*time.Hour))

	result, _ := q.Drain(ctx, 10, handler)
	fmt.Println("processed:", result.Processed)

	clock.Advance(30 * 24 * time.Hour)
	result, _ = q.Drain(ctx, 10, handler)
	fmt.Println("processed:", result.Processed)

	// Output:
	// processed: 0
	// {"days":30}
	// processed: 1
}

func Example_retry() {
	clock := store.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewQueue("flaky", store.NewInProcessStore(clock), queue.UseClock(clock))
	q.Subscribe(queue.Listen(func(ctx context.Context, j *job.Job) error {
		if j.RetryCount == 0 {
			fmt.Println("first attempt failed")
			return fmt.Errorf("connection reset")
		}
		fmt.Println("retry", j.RetryCount, "succeeded")
		return nil
	}))

	ctx := context.Background()
	q.Enqueue(ctx, 1)
	q.DrainAll(ctx, 10)

	clock.Advance(time.Minute)
	q.DrainAll(ctx, 10)

	// Output:
	// first attempt failed
	// retry 1 succeeded
}
