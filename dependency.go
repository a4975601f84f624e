package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/DoNewsCode/core-drain/dlq"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

/*
Providers returns a set of dependencies related to queue. It includes the
QueueMaker, the QueueFactory, the default *Queue and the exported configs.
	Depends On:
		contract.ConfigAccessor
		contract.Dispatcher  `optional:"true"`
		contract.DIPopulator `optional:"true"`
		log.Logger
		contract.AppName
		contract.Env
		Gauge            `optional:"true"`
		JobCounter       `optional:"true"`
		LatencyHistogram `optional:"true"`
		*Registry        `optional:"true"`
	Provides:
		QueueMaker
		QueueFactory
		HTTPConfiguration
		*Queue
*/
func Providers(optionFunc ...ProvidersOptionFunc) di.Deps {
	option := &providersOption{}
	for _, f := range optionFunc {
		f(option)
	}
	return []interface{}{
		provideQueueFactory(option),
		provideConfig,
		provideQueue,
		di.Bind(new(QueueFactory), new(QueueMaker)),
	}
}

// Gauge is an alias used for dependency injection
type Gauge metrics.Gauge

// JobCounter is an alias used for dependency injection. It counts finished
// jobs by "queue" and "outcome".
type JobCounter metrics.Counter

// LatencyHistogram is an alias used for dependency injection. It observes
// processing times in seconds by "queue".
type LatencyHistogram metrics.Histogram

// Configuration is the struct for queue configs.
type Configuration struct {
	RedisName                      string             `yaml:"redisName" json:"redisName"`
	MaxJobs                        int                `yaml:"maxJobs" json:"maxJobs"`
	VisibilityTimeoutSecond        int                `yaml:"visibilityTimeoutSecond" json:"visibilityTimeoutSecond"`
	HandleTimeoutSecond            int                `yaml:"handleTimeoutSecond" json:"handleTimeoutSecond"`
	PollIntervalSecond             int                `yaml:"pollIntervalSecond" json:"pollIntervalSecond"`
	CheckQueueLengthIntervalSecond int                `yaml:"checkQueueLengthIntervalSecond" json:"checkQueueLengthIntervalSecond"`
	Retry                          RetryConfiguration `yaml:"retry" json:"retry"`
}

// RetryConfiguration is the retry policy section of Configuration. Zero
// values fall back to dlq.DefaultRetryConfig.
type RetryConfiguration struct {
	MaxRetries         int   `yaml:"maxRetries" json:"maxRetries"`
	BaseDelayMs        int64 `yaml:"baseDelayMs" json:"baseDelayMs"`
	MaxDelayMs         int64 `yaml:"maxDelayMs" json:"maxDelayMs"`
	ExponentialBackoff *bool `yaml:"exponentialBackoff" json:"exponentialBackoff"`
	Jitter             *bool `yaml:"jitter" json:"jitter"`
}

// RetryConfig converts the section into a dlq.RetryConfig.
func (r RetryConfiguration) RetryConfig() dlq.RetryConfig {
	c := dlq.DefaultRetryConfig()
	if r.MaxRetries > 0 {
		c.MaxRetries = r.MaxRetries
	}
	if r.BaseDelayMs > 0 {
		c.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		c.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	if r.ExponentialBackoff != nil {
		c.ExponentialBackoff = *r.ExponentialBackoff
	}
	if r.Jitter != nil {
		c.Jitter = *r.Jitter
	}
	return c
}

// Options turns the configuration into options for NewQueue.
func (c Configuration) Options() []func(*Queue) {
	opts := []func(*Queue){UseRetryConfig(c.Retry.RetryConfig())}
	if c.MaxJobs > 0 {
		opts = append(opts, UseMaxJobs(c.MaxJobs))
	}
	if c.VisibilityTimeoutSecond > 0 {
		opts = append(opts, UseVisibilityTimeout(time.Duration(c.VisibilityTimeoutSecond)*time.Second))
	}
	if c.HandleTimeoutSecond > 0 {
		opts = append(opts, UseHandleTimeout(time.Duration(c.HandleTimeoutSecond)*time.Second))
	}
	if c.PollIntervalSecond > 0 {
		opts = append(opts, UsePollInterval(time.Duration(c.PollIntervalSecond)*time.Second))
	}
	return opts
}

// HTTPConfiguration configures the HTTP routes of the queue module.
type HTTPConfiguration struct {
	// Secret is the bearer token required by the trigger routes. The trigger
	// routes refuse every request while it is empty.
	Secret string `yaml:"secret" json:"secret"`
}

// makerIn is the injection parameters for provideQueueFactory
type makerIn struct {
	di.In

	Conf             contract.ConfigAccessor
	EventDispatcher  contract.Dispatcher `optional:"true"`
	Logger           log.Logger
	AppName          contract.AppName
	Env              contract.Env
	Gauge            Gauge                `optional:"true"`
	JobCounter       JobCounter           `optional:"true"`
	LatencyHistogram LatencyHistogram     `optional:"true"`
	Registry         *Registry            `optional:"true"`
	Populator        contract.DIPopulator `optional:"true"`
}

// makerOut is the di output of provideQueueFactory
type makerOut struct {
	di.Out
	QueueFactory      QueueFactory
	HTTPConfiguration HTTPConfiguration
}

func (m makerOut) ModuleSentinel() {}

func (m makerOut) Module() interface{} { return m }

// provideQueueFactory is a provider for QueueFactory.
func provideQueueFactory(option *providersOption) func(p makerIn) (makerOut, error) {
	if option.storeConstructor == nil {
		option.storeConstructor = newDefaultStore
	}
	return func(p makerIn) (makerOut, error) {
		var (
			err        error
			queueConfs map[string]Configuration
			httpConf   HTTPConfiguration
		)
		err = p.Conf.Unmarshal("queue", &queueConfs)
		if err != nil {
			level.Warn(p.Logger).Log("err", err)
		}
		if err := p.Conf.Unmarshal("queueHTTP", &httpConf); err != nil {
			level.Warn(p.Logger).Log("err", err)
		}
		if p.Registry == nil {
			p.Registry = NewRegistry()
		}
		keys := store.NewKeyspace(p.AppName.String(), p.Env.String())

		factory := di.NewFactory(func(name string) (di.Pair, error) {
			var (
				ok   bool
				conf Configuration
			)
			if conf, ok = queueConfs[name]; !ok {
				if name != "default" {
					return di.Pair{}, fmt.Errorf("queue Configuration %s not found", name)
				}
				conf = Configuration{RedisName: "default"}
			}

			var s = option.store
			if option.store == nil {
				s, err = option.storeConstructor(
					StoreConstructorArgs{
						Name:      name,
						Conf:      conf,
						Logger:    p.Logger,
						AppName:   p.AppName,
						Env:       p.Env,
						Populator: p.Populator,
					},
				)
				if err != nil {
					return di.Pair{}, err
				}
			}
			opts := append([]func(*Queue){
				UseLogger(p.Logger),
				UseKeyspace(keys),
				UseRegistry(p.Registry),
				UseGauge(p.Gauge, time.Duration(conf.CheckQueueLengthIntervalSecond)*time.Second),
				UseMetrics(p.JobCounter, p.LatencyHistogram),
				UseEventDispatcher(p.EventDispatcher),
			}, conf.Options()...)
			return di.Pair{
				Closer: nil,
				Conn:   NewQueue(name, s, opts...),
			}, nil
		})

		// Queues must be created eagerly, so that the polling goroutines can start on boot up.
		for name := range queueConfs {
			factory.Make(name)
		}

		return makerOut{
			QueueFactory:      QueueFactory{Factory: factory},
			HTTPConfiguration: httpConf,
		}, nil
	}
}

// ProvideRunGroup implements container.RunProvider. Queues configured with a
// poll interval are drained in-process; the others wait for external triggers.
func (m makerOut) ProvideRunGroup(group *run.Group) {
	for name := range m.QueueFactory.List() {
		consumer, err := m.QueueFactory.Make(name)
		if err != nil || consumer.pollInterval <= 0 {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return consumer.Consume(ctx)
		}, func(err error) {
			cancel()
		})
	}
}

// ProvideHTTP implements container.HTTPProvider.
func (m makerOut) ProvideHTTP(router *mux.Router) {
	RegisterRoutes(router, m.QueueFactory, m.HTTPConfiguration.Secret)
}

func newDefaultStore(args StoreConstructorArgs) (store.Store, error) {
	var maker otredis.Maker
	if args.Populator == nil {
		return nil, errors.New("the default store requires setting the populator in DI container")
	}
	if err := args.Populator.Populate(&maker); err != nil {
		return nil, fmt.Errorf("the default store requires an otredis.Maker in DI container: %w", err)
	}
	client, err := maker.Make(args.Conf.RedisName)
	if err != nil {
		return nil, fmt.Errorf("the default store requires the redis client called %s: %w", args.Conf.RedisName, err)
	}
	return store.NewRedisStore(client), nil
}

type queueOut struct {
	di.Out

	Queue *Queue
}

func provideQueue(maker QueueMaker) (queueOut, error) {
	queue, err := maker.Make("default")
	return queueOut{
		Queue: queue,
	}, err
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

func provideConfig() configOut {
	configs := []config.ExportedConfig{{
		Owner: "queue",
		Data: map[string]interface{}{
			"queue": map[string]Configuration{
				"default": {
					RedisName:                      "default",
					MaxJobs:                        10,
					VisibilityTimeoutSecond:        300,
					HandleTimeoutSecond:            60,
					PollIntervalSecond:             0,
					CheckQueueLengthIntervalSecond: 15,
					Retry: RetryConfiguration{
						MaxRetries:  3,
						BaseDelayMs: 30000,
						MaxDelayMs:  300000,
					},
				},
			},
			"queueHTTP": HTTPConfiguration{Secret: ""},
		},
	}}
	return configOut{Config: configs}
}
