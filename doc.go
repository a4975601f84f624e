// Package queue provides a job queue that keeps no state of its own. Every
// durable fact, including pending jobs, delayed jobs, in-flight jobs, failures
// and metrics, lives in a store that offers atomic single-key operations only
// (Redis being the canonical one), so the queue can be served from short-lived
// processes that an external scheduler invokes periodically.
//
// It is recommended to read documentation on the core package before getting started on the queue package.
//
// Introduction
//
// A job is a JSON payload bound to a named queue. Enqueue stores it; Drain
// pops and processes up to a bounded number of jobs in one pass. Nothing runs
// in the background: a cron job, a serverless trigger or Consume calls Drain.
//
//  q := queue.NewQueue("emails", store.NewRedisStore(client))
//  q.Subscribe(queue.Listen(func(ctx context.Context, j *job.Job) error {
//    var email Email
//    if err := j.Bind(&email); err != nil {
//      return queue.NonRetryable(err)
//    }
//    return send(ctx, email)
//  }))
//  id, _ := q.Enqueue(ctx, Email{To: "foo@bar.com"}, queue.Defer(time.Minute))
//  result, _ := q.Drain(ctx, 10, nil)
//
// Failures
//
// A failed job is handed over to the dead-letter queue (package dlq), which
// schedules retries with exponential backoff. Due retries go back onto their
// queue when DeadLetters().DrainRetries is called; DrainAll does both. Once the
// retry budget is exhausted, or when the handler wraps its error with
// NonRetryable, the job is moved to the permanent-failure list, from which an
// operator may requeue it.
//
// A popped job stays in flight until its outcome is recorded. If the process
// dies in between, the next Drain past the visibility timeout delivers it
// again, so handlers must be idempotent.
//
// Integrate
//
// The queue package exports configuration in this format:
//
//  queue:
//    default:
//      redisName: default
//      maxJobs: 10
//      visibilityTimeoutSecond: 300
//      handleTimeoutSecond: 60
//      pollIntervalSecond: 0
//      checkQueueLengthIntervalSecond: 15
//      retry:
//        maxRetries: 3
//        baseDelayMs: 30000
//        maxDelayMs: 300000
//  queueHTTP:
//    secret: ""
//
// Using the bundled dependency provider, queues with a positive poll interval
// are consumed inside the run group of the core, and the drain, submission and
// monitoring routes are mounted on its HTTP router.
//
//  var c *core.C
//  c.Provide(otredis.Providers()) // to provide the redis driver
//  c.Provide(queue.Providers())
//
// Inject queue.QueueMaker to obtain the queue of a given name.
//
//  c.Invoke(func(maker queue.QueueMaker) {
//    q, err := maker.Make("default")
//    // see examples for details
//  })
//
// Events
//
// When an event dispatcher is injected, queue.BeforeRetry fires before a
// failed job is scheduled for retry and queue.BeforeAbort fires before a job
// is moved to the permanent-failure list.
//
// Metrics
//
// Besides the job monitor (package monitor), which keeps its counters in the
// store, the queue reports to go-kit metrics. Provide queue.Gauge for channel
// lengths, queue.JobCounter for job outcomes and queue.LatencyHistogram for
// processing time.
//
//  c.Provide(di.Deps{func(appName contract.AppName, env contract.Env) queue.Gauge {
//    return prometheus.NewGaugeFrom(
//      stdprometheus.GaugeOpts{
//        Namespace: appName.String(),
//        Subsystem: env.String(),
//        Name:      "queue_length",
//        Help:      "The gauge of queue length",
//      }, []string{"queue", "channel"},
//    )
//  }})
package queue
