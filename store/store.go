// Package store is the typed façade over the remote key-value store.
//
// Every higher level component in this module talks to the backing store
// exclusively through the Store interface. The interface mirrors the primitive
// single-key operations offered by Redis: string get/set with TTL, atomic
// increments, list push/pop, sorted sets, hashes, sets, expiry and ping. No
// operation spans more than one key atomically; callers compose multi-key
// updates as ordered sequences of idempotent steps.
//
// Two implementations are bundled. RedisStore wraps a go-redis
// UniversalClient and is what production deployments use. InProcessStore
// keeps everything in memory, honours TTLs against an injectable Clock, and
// is meant for tests and single-host development.
package store

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrNil is returned when the requested key or field does not exist.
var ErrNil = errors.New("store: nil")

// ErrWrongType is returned when an operation is applied to a key holding a
// value of a different kind.
var ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")

// Infinity bounds, usable in ZRangeByScore.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// Z is a sorted set member together with its score.
type Z struct {
	Score  float64
	Member string
}

// Store is the set of primitive operations the backing store must provide.
// Each call is a synchronous request/response and is atomic on its own key.
type Store interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining time to live. It returns -1 for keys without
	// expiry and ErrNil for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	ZAdd(ctx context.Context, key string, members ...Z) error
	// ZRangeByScore returns members with min <= score <= max in ascending
	// order. A limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Z, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Scan returns every key matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Millis converts t into the unix millisecond score used by every sorted set
// in this module.
func Millis(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Millisecond))
}

// FromMillis reverses Millis.
func FromMillis(ms float64) time.Time {
	return time.Unix(0, int64(ms)*int64(time.Millisecond))
}
