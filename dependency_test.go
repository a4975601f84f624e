package queue

import (
	"testing"
	"time"

	"github.com/DoNewsCode/core-drain/dlq"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/dig"
)

func TestProvideQueueFactory(t *testing.T) {
	s := store.NewInProcessStore(nil)
	out, err := provideQueueFactory(&providersOption{store: s})(makerIn{
		Conf: config.WithAccessor(config.MapAdapter{"queue": map[string]Configuration{
			"default": {
				RedisName: "default",
				MaxJobs:   1,
			},
			"alternative": {
				RedisName:          "default",
				MaxJobs:            3,
				PollIntervalSecond: 5,
			},
		}}),
		Logger:  log.NewNopLogger(),
		AppName: config.AppName("test"),
		Env:     config.EnvTesting,
	})
	require.NoError(t, err)
	assert.NotNil(t, out.QueueFactory)
	assert.Implements(t, (*di.Modular)(nil), out)

	def, err := out.QueueFactory.Make("alternative")
	require.NoError(t, err)
	assert.Equal(t, "alternative", def.Name())
	assert.Equal(t, 3, def.maxJobs)
	assert.Equal(t, 5*time.Second, def.pollInterval)
	assert.Equal(t, store.NewKeyspace("test", "testing"), def.keys)

	again, err := out.QueueFactory.Make("alternative")
	require.NoError(t, err)
	assert.Same(t, def, again)

	_, err = out.QueueFactory.Make("missing")
	assert.Error(t, err)
}

func TestProviders(t *testing.T) {
	c := dig.New()
	require.NoError(t, c.Provide(func() contract.ConfigAccessor {
		return config.WithAccessor(config.MapAdapter{"queue": map[string]Configuration{"default": {MaxJobs: 2}}})
	}))
	require.NoError(t, c.Provide(func() log.Logger { return log.NewNopLogger() }))
	require.NoError(t, c.Provide(func() contract.AppName { return config.AppName("test") }))
	require.NoError(t, c.Provide(func() contract.Env { return config.EnvTesting }))
	for _, p := range Providers(WithStore(store.NewInProcessStore(nil))) {
		require.NoError(t, c.Provide(p))
	}

	err := c.Invoke(func(q *Queue, maker QueueMaker) {
		assert.Equal(t, "default", q.Name())
		assert.Equal(t, 2, q.maxJobs)
		made, err := maker.Make("default")
		require.NoError(t, err)
		assert.Same(t, q, made)
	})
	assert.NoError(t, err)
}

func TestProvideQueueFactory_storeConstructor(t *testing.T) {
	var names []string
	constructor := func(args StoreConstructorArgs) (store.Store, error) {
		names = append(names, args.Name)
		return store.NewInProcessStore(nil), nil
	}
	out, err := provideQueueFactory(&providersOption{storeConstructor: constructor})(makerIn{
		Conf:    config.WithAccessor(config.MapAdapter{}),
		Logger:  log.NewNopLogger(),
		AppName: config.AppName("test"),
		Env:     config.EnvTesting,
	})
	require.NoError(t, err)

	q, err := out.QueueFactory.Make("default")
	require.NoError(t, err)
	assert.Equal(t, "default", q.Name())
	assert.Equal(t, []string{"default"}, names)
}

func TestProvideQueueFactory_sharedRegistry(t *testing.T) {
	registry := NewRegistry()
	out, err := provideQueueFactory(&providersOption{store: store.NewInProcessStore(nil)})(makerIn{
		Conf:     config.WithAccessor(config.MapAdapter{}),
		Logger:   log.NewNopLogger(),
		AppName:  config.AppName("test"),
		Env:      config.EnvTesting,
		Registry: registry,
	})
	require.NoError(t, err)
	q, err := out.QueueFactory.Make("default")
	require.NoError(t, err)
	assert.Same(t, registry, q.registry)
}

func TestConfiguration_Options(t *testing.T) {
	yes := true
	no := false
	cases := []struct {
		name  string
		conf  Configuration
		check func(t *testing.T, q *Queue)
	}{
		{
			"defaults",
			Configuration{},
			func(t *testing.T, q *Queue) {
				assert.Equal(t, 10, q.maxJobs)
				assert.Equal(t, 5*time.Minute, q.visibilityTimeout)
				assert.Equal(t, time.Minute, q.handleTimeout)
				assert.Equal(t, time.Duration(0), q.pollInterval)
				assert.Equal(t, dlq.DefaultRetryConfig(), q.retry)
			},
		},
		{
			"visibility never below handle timeout",
			Configuration{VisibilityTimeoutSecond: 10, HandleTimeoutSecond: 30},
			func(t *testing.T, q *Queue) {
				assert.Equal(t, 30*time.Second, q.visibilityTimeout)
				assert.Equal(t, 30*time.Second, q.handleTimeout)
			},
		},
		{
			"retry policy",
			Configuration{Retry: RetryConfiguration{
				MaxRetries:         5,
				BaseDelayMs:        1000,
				MaxDelayMs:         60000,
				ExponentialBackoff: &no,
				Jitter:             &yes,
			}},
			func(t *testing.T, q *Queue) {
				assert.Equal(t, dlq.RetryConfig{
					MaxRetries:         5,
					BaseDelay:          time.Second,
					MaxDelay:           time.Minute,
					ExponentialBackoff: false,
					Jitter:             true,
				}, q.retry)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.check(t, NewQueue("default", store.NewInProcessStore(nil), c.conf.Options()...))
		})
	}
}

func TestProvideConfigs(t *testing.T) {
	c := provideConfig()
	assert.NotEmpty(t, c.Config)
	assert.Equal(t, "queue", c.Config[0].Owner)
}
