package store

import (
	"fmt"
	"strings"
	"time"
)

// Keyspace names every key used by this module. All keys share a common
// prefix, usually "<app>:<env>", so several deployments can share one redis.
// Keys belonging to a single queue are wrapped in a hash tag so that they land
// on the same cluster slot.
type Keyspace struct {
	Prefix string
}

// NewKeyspace returns the keyspace for the given application and environment.
func NewKeyspace(appName, env string) Keyspace {
	return Keyspace{Prefix: fmt.Sprintf("%s:%s", appName, env)}
}

func (k Keyspace) key(parts ...string) string {
	return k.Prefix + ":" + strings.Join(parts, ":")
}

func (k Keyspace) queue(name, suffix string) string {
	return fmt.Sprintf("{%s:%s}:%s", k.Prefix, name, suffix)
}

// ── Queue engine ──

// Pending is the list of jobs ready to run. Producers push on the head and
// consumers pop from the tail.
func (k Keyspace) Pending(queue string) string { return k.queue(queue, "pending") }

// Delayed is the sorted set of delayed job ids scored by execute-at millis.
func (k Keyspace) Delayed(queue string) string { return k.queue(queue, "delayed") }

// DelayedJob holds the serialized record of a delayed job until promotion.
func (k Keyspace) DelayedJob(queue, id string) string { return k.queue(queue, "delayed:"+id) }

// InFlight is the hash of popped but unacknowledged jobs.
func (k Keyspace) InFlight(queue string) string { return k.queue(queue, "inflight") }

// InFlightDeadlines scores in-flight job ids by visibility deadline.
func (k Keyspace) InFlightDeadlines(queue string) string { return k.queue(queue, "inflight:deadlines") }

// Corrupt collects raw records that could not be decoded.
func (k Keyspace) Corrupt(queue string) string { return k.queue(queue, "corrupt") }

// Queues is the set of every queue name that ever received a job.
func (k Keyspace) Queues() string { return k.key("queues") }

// Job is the status hash of a single job.
func (k Keyspace) Job(id string) string { return k.key("job", id) }

// ── Dead-letter queue ──

// DLQJob holds a serialized FailedJob.
func (k Keyspace) DLQJob(id string) string { return k.key("dlq", "job", id) }

// DLQRetries is the retry schedule, job ids scored by due millis.
func (k Keyspace) DLQRetries() string { return k.key("dlq", "retries") }

// DLQPermanent lists job ids that exhausted their retries.
func (k Keyspace) DLQPermanent() string { return k.key("dlq", "permanent") }

// DLQIndex scores every tracked failed job id by its failedAt millis.
func (k Keyspace) DLQIndex() string { return k.key("dlq", "index") }

// DLQQueue is the set of tracked failed job ids originating from a queue.
func (k Keyspace) DLQQueue(queue string) string { return k.key("dlq", "queue", queue) }

// ── Job monitor ──

// Counter is a monotonic per-queue counter such as processing or failed.
func (k Keyspace) Counter(queue, name string) string { return k.key("metrics", queue, name) }

// LatencySamples is the hour bucketed sorted set of processing times.
func (k Keyspace) LatencySamples(queue string, t time.Time) string {
	return k.key("metrics", queue, "latency", HourBucket(t))
}

// ThroughputHour counts completions within the hour of t.
func (k Keyspace) ThroughputHour(queue string, t time.Time) string {
	return k.key("metrics", queue, "throughput", "hour", HourBucket(t))
}

// ThroughputDay counts completions within the day of t.
func (k Keyspace) ThroughputDay(queue string, t time.Time) string {
	return k.key("metrics", queue, "throughput", "day", DayBucket(t))
}

// Alerts lists the most recent alert ids, newest first.
func (k Keyspace) Alerts() string { return k.key("alerts") }

// Alert holds a serialized alert.
func (k Keyspace) Alert(id string) string { return k.key("alert", id) }

// ── Rate limiter ──

// RateCount is the request counter of an identifier within a window.
func (k Keyspace) RateCount(identifier string, window int64) string {
	return k.key("ratelimit", identifier, fmt.Sprint(window))
}

// RateBurst is the burst counter of an identifier within a window.
func (k Keyspace) RateBurst(identifier string, window int64) string {
	return k.key("ratelimit", identifier, fmt.Sprint(window), "burst")
}

// RateBlock marks an identifier as blocked.
func (k Keyspace) RateBlock(identifier string) string { return k.key("ratelimit", "block", identifier) }

// ── Tagged cache ──

// CacheEntry holds a serialized cache entry.
func (k Keyspace) CacheEntry(key string) string { return k.key("cache", "entry", key) }

// CacheEntryKey strips the CacheEntry prefix from a redis key.
func (k Keyspace) CacheEntryKey(redisKey string) string {
	return strings.TrimPrefix(redisKey, k.CacheEntry(""))
}

// CacheMeta holds access statistics of a cache entry.
func (k Keyspace) CacheMeta(key string) string { return k.key("cache", "meta", key) }

// CachePriority indexes cache keys of one priority by insertion millis.
func (k Keyspace) CachePriority(priority string) string { return k.key("cache", "priority", priority) }

// CacheTag indexes cache keys carrying a tag.
func (k Keyspace) CacheTag(tag string) string { return k.key("cache", "tag", tag) }

// CacheTags is the registry of known tag names.
func (k Keyspace) CacheTags() string { return k.key("cache", "tags") }

// CacheStat is a cache wide statistic counter such as hits.
func (k Keyspace) CacheStat(name string) string { return k.key("cache", "stats", name) }

// HourBucket formats the UTC hour of t.
func HourBucket(t time.Time) string { return t.UTC().Format("2006010215") }

// DayBucket formats the UTC day of t.
func DayBucket(t time.Time) string { return t.UTC().Format("20060102") }
