package main

import (
	"strings"
	"time"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/ratelimit"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
)

const envPrefix = "QUEUED_"

type appConfig struct {
	Name   string                         `yaml:"name"`
	Env    string                         `yaml:"env"`
	Log    logConfig                      `yaml:"log"`
	Redis  redisConfig                    `yaml:"redis"`
	HTTP   httpConfig                     `yaml:"http"`
	Queues map[string]queue.Configuration `yaml:"queues"`
	// Handlers maps a queue name to the URL its jobs are posted to.
	Handlers  map[string]string `yaml:"handlers"`
	RateLimit ratelimit.Config  `yaml:"rateLimit"`
	Cache     cacheConfig       `yaml:"cache"`
}

type logConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type redisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type httpConfig struct {
	Addr    string        `yaml:"addr"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type cacheConfig struct {
	MetricsTTL time.Duration `yaml:"metricsTTL"`
}

func defaults() map[string]interface{} {
	limit := ratelimit.DefaultConfig()
	return map[string]interface{}{
		"name":                     "queued",
		"env":                      "local",
		"log.format":               "logfmt",
		"log.level":                "info",
		"redis.addrs":              []string{"127.0.0.1:6379"},
		"http.addr":                ":8080",
		"http.timeout":             "30s",
		"rateLimit.baseLimit":      limit.BaseLimit,
		"rateLimit.window":         limit.Window.String(),
		"rateLimit.burstAllowance": limit.BurstAllowance,
		"rateLimit.blockDuration":  limit.BlockDuration.String(),
		"cache.metricsTTL":         "10s",
	}
}

// loadConfig layers the defaults, the yaml file at path (if any) and the
// QUEUED_ environment variables, in that order.
func loadConfig(path string) (appConfig, error) {
	var conf appConfig
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return conf, errors.Wrap(err, "load defaults")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return conf, errors.Wrapf(err, "load %s", path)
		}
	}
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := envKey(s)
		if actual, ok := known[key]; ok {
			return actual
		}
		return key
	}), nil); err != nil {
		return conf, errors.Wrap(err, "load environment")
	}
	if err := k.UnmarshalWithConf("", &conf, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return conf, errors.Wrap(err, "decode config")
	}
	if len(conf.Queues) == 0 {
		conf.Queues = map[string]queue.Configuration{"default": {}}
	}
	return conf, nil
}

// envKey maps QUEUED_RATELIMIT_BASELIMIT to ratelimit.baselimit. loadConfig
// restores the case of keys it already knows.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
}
