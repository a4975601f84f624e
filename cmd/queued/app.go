package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/cache"
	"github.com/DoNewsCode/core-drain/ratelimit"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/logging"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-redis/redis/v8"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type instruments struct {
	gauge     metrics.Gauge
	counter   metrics.Counter
	histogram metrics.Histogram
}

// newInstruments registers the prometheus collectors. It must be called once
// per process.
func newInstruments(conf appConfig) *instruments {
	return &instruments{
		gauge: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: conf.Name,
			Subsystem: conf.Env,
			Name:      "queue_length",
			Help:      "The gauge of queue length",
		}, []string{"queue", "channel"}),
		counter: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: conf.Name,
			Subsystem: conf.Env,
			Name:      "jobs_total",
			Help:      "The number of finished jobs",
		}, []string{"queue", "outcome"}),
		histogram: kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: conf.Name,
			Subsystem: conf.Env,
			Name:      "job_duration_seconds",
			Help:      "The processing time of jobs",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{"queue"}),
	}
}

// app holds everything a command needs. It is built from the config and a
// store; nothing in it outlives the process.
type app struct {
	conf     appConfig
	logger   log.Logger
	store    store.Store
	keys     store.Keyspace
	registry *queue.Registry
	factory  queue.QueueFactory
	metrics  *instruments
}

func newApp(conf appConfig, s store.Store, logger log.Logger, m *instruments) *app {
	a := &app{
		conf:     conf,
		logger:   logger,
		store:    s,
		keys:     store.NewKeyspace(conf.Name, conf.Env),
		registry: queue.NewRegistry(),
		metrics:  m,
	}
	client := &http.Client{Timeout: conf.HTTP.Timeout}
	for name, url := range conf.Handlers {
		a.registry.Register(name, forwarder{url: url, client: client})
	}
	a.factory = queue.QueueFactory{Factory: di.NewFactory(a.makeQueue)}
	return a
}

func (a *app) makeQueue(name string) (di.Pair, error) {
	conf, ok := a.conf.Queues[name]
	if !ok && name != "default" {
		return di.Pair{}, fmt.Errorf("queue %s is not configured", name)
	}
	opts := append([]func(*queue.Queue){
		queue.UseLogger(a.logger),
		queue.UseKeyspace(a.keys),
		queue.UseRegistry(a.registry),
	}, conf.Options()...)
	if a.metrics != nil {
		interval := time.Duration(conf.CheckQueueLengthIntervalSecond) * time.Second
		opts = append(opts,
			queue.UseGauge(a.metrics.gauge, interval),
			queue.UseMetrics(a.metrics.counter, a.metrics.histogram),
		)
	}
	return di.Pair{Conn: queue.NewQueue(name, a.store, opts...)}, nil
}

// queueNames lists the configured queues in a stable order.
func (a *app) queueNames() []string {
	names := make([]string, 0, len(a.conf.Queues))
	for name := range a.conf.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultQueue serves the operations that are not bound to one queue, such as
// the dead-letter queue and the monitor.
func (a *app) defaultQueue() (*queue.Queue, error) {
	return a.factory.Make("default")
}

func (a *app) rateLimiter() *ratelimit.Limiter {
	return ratelimit.New(a.store, a.keys,
		ratelimit.WithLogger(a.logger),
		ratelimit.WithConfig(a.conf.RateLimit),
	)
}

func (a *app) tagCache() *cache.Cache {
	return cache.New(a.store, a.keys, cache.WithLogger(a.logger))
}

func newLogger(conf logConfig) log.Logger {
	logger := logging.NewLogger(conf.Format)
	var allow level.Option
	switch conf.Level {
	case "debug":
		allow = level.AllowDebug()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

func newRedisStore(conf redisConfig) *store.RedisStore {
	return store.NewRedisStore(redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		DB:       conf.DB,
	}))
}
