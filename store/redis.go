package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on top of a go-redis UniversalClient. The caller
// owns the client lifecycle.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying redis client.
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return wrap(r.client.Ping(ctx).Err(), "ping")
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	return v, wrap(err, "get")
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(r.client.Set(ctx, key, value, ttl).Err(), "set")
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	return n, wrap(err, "del")
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, wrap(err, "exists")
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	return ok, wrap(err, "expire")
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "ttl")
	}
	// go-redis reports the raw -2/-1 replies as nanosecond durations.
	switch d {
	case -2:
		return 0, ErrNil
	case -1:
		return -1, nil
	}
	return d, nil
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	return n, wrap(err, "incr")
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, n).Result()
	return v, wrap(err, "incrby")
}

func (r *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	return n, wrap(err, "decr")
}

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := r.client.LPush(ctx, key, toArgs(values)...).Result()
	return n, wrap(err, "lpush")
}

func (r *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := r.client.RPop(ctx, key).Result()
	return v, wrap(err, "rpop")
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.client.LRange(ctx, key, start, stop).Result()
	return v, wrap(err, "lrange")
}

func (r *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	return n, wrap(err, "llen")
}

func (r *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(r.client.LTrim(ctx, key, start, stop).Err(), "ltrim")
}

func (r *RedisStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := r.client.LRem(ctx, key, count, value).Result()
	return n, wrap(err, "lrem")
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, members ...Z) error {
	zs := make([]*redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, &redis.Z{Score: m.Score, Member: m.Member})
	}
	return wrap(r.client.ZAdd(ctx, key, zs...).Err(), "zadd")
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Z, error) {
	opt := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := r.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, wrap(err, "zrangebyscore")
	}
	return fromRedisZ(zs), nil
}

func (r *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err, "zrange")
	}
	return fromRedisZ(zs), nil
}

func (r *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := r.client.ZRem(ctx, key, toArgs(members)...).Result()
	return n, wrap(err, "zrem")
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	return n, wrap(err, "zcard")
}

func (r *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	n, err := r.client.ZRemRangeByRank(ctx, key, start, stop).Result()
	return n, wrap(err, "zremrangebyrank")
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrap(r.client.HSet(ctx, key, args...).Err(), "hset")
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, wrap(err, "hget")
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	return v, wrap(err, "hgetall")
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := r.client.HDel(ctx, key, fields...).Result()
	return n, wrap(err, "hdel")
}

func (r *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := r.client.HIncrBy(ctx, key, field, n).Result()
	return v, wrap(err, "hincrby")
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := r.client.SAdd(ctx, key, toArgs(members)...).Result()
	return n, wrap(err, "sadd")
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := r.client.SRem(ctx, key, toArgs(members)...).Result()
	return n, wrap(err, "srem")
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.client.SMembers(ctx, key).Result()
	return v, wrap(err, "smembers")
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	return n, wrap(err, "scard")
}

// Scan walks the keyspace with SCAN. On a cluster every master is scanned.
func (r *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		var (
			mu   sync.Mutex
			keys []string
		)
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			found, err := scanNode(ctx, node, pattern)
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return err
		})
		return keys, wrap(err, "scan")
	}
	keys, err := scanNode(ctx, r.client, pattern)
	return keys, wrap(err, "scan")
}

func scanNode(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return errors.Wrapf(err, "store/redis: %s", op)
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func formatScore(f float64) string {
	switch {
	case f == NegInf:
		return "-inf"
	case f == PosInf:
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func fromRedisZ(zs []redis.Z) []Z {
	out := make([]Z, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Z{Score: z.Score, Member: member})
	}
	return out
}
