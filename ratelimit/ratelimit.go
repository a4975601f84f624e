// Package ratelimit implements a fixed-window request limiter whose counters
// live in the shared store, so every stateless invocation enforces the same
// budget. Limits scale with the caller's tier, authenticated callers get a
// burst allowance, and callers that exceed twice their limit are blocked for
// a while.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Identity describes the caller of a request.
type Identity struct {
	UserID    string
	APIKey    string
	IP        string
	UserAgent string
}

// Authenticated reports whether the caller presented a user or an api key.
func (i Identity) Authenticated() bool {
	return i.UserID != "" || i.APIKey != ""
}

// Key resolves the identifier counters are kept under. A user id wins over an
// api key, which wins over the ip address. Anonymous callers sharing an ip are
// told apart by a fingerprint of their user agent.
func (i Identity) Key() string {
	switch {
	case i.UserID != "":
		return "user:" + i.UserID
	case i.APIKey != "":
		suffix := i.APIKey
		if len(suffix) > 8 {
			suffix = suffix[len(suffix)-8:]
		}
		return "key:" + suffix
	default:
		h := fnv.New32a()
		_, _ = h.Write([]byte(i.UserAgent))
		return fmt.Sprintf("ip:%s:%08x", i.IP, h.Sum32())
	}
}

// Config is the limit of one endpoint.
type Config struct {
	// BaseLimit is the number of requests per window at multiplier 1.
	BaseLimit int64 `json:"baseLimit" yaml:"baseLimit"`
	// Window is the length of a counting window.
	Window time.Duration `json:"window" yaml:"window"`
	// BurstAllowance is the extra budget of authenticated callers.
	BurstAllowance int64 `json:"burstAllowance" yaml:"burstAllowance"`
	// BlockDuration is how long a caller exceeding twice its limit is denied.
	BlockDuration time.Duration `json:"blockDuration" yaml:"blockDuration"`
}

// DefaultConfig returns 60 requests per minute with a burst of 10 and a five
// minute block.
func DefaultConfig() Config {
	return Config{
		BaseLimit:      60,
		Window:         time.Minute,
		BurstAllowance: 10,
		BlockDuration:  5 * time.Minute,
	}
}

// EffectiveLimit scales the base limit by a tier multiplier. The result is at
// least one.
func (c Config) EffectiveLimit(multiplier float64) int64 {
	limit := int64(math.Floor(float64(c.BaseLimit) * multiplier))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Result is the verdict of a Check.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	// ResetTime is when the caller may expect budget again: the end of the
	// window, or of the block.
	ResetTime time.Time
	Blocked   bool
}

// RetryAfter is the wait until ResetTime, rounded up to whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetTime.Sub(now)
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// Limiter checks requests against the shared counters.
type Limiter struct {
	store  store.Store
	keys   store.Keyspace
	logger log.Logger
	clock  store.Clock
	config Config
	tiers  Tiers
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(l *Limiter) { l.logger = log.With(logger, "component", "ratelimit") }
}

// WithClock replaces the wall clock.
func WithClock(clock store.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithConfig replaces the default config used by CheckTier.
func WithConfig(config Config) Option {
	return func(l *Limiter) { l.config = config }
}

// WithTiers replaces the tier table.
func WithTiers(tiers Tiers) Option {
	return func(l *Limiter) { l.tiers = tiers }
}

// New creates a Limiter.
func New(s store.Store, keys store.Keyspace, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		keys:   keys,
		logger: log.NewNopLogger(),
		clock:  store.SystemClock,
		config: DefaultConfig(),
		tiers:  DefaultTiers(),
	}
	for _, f := range opts {
		f(l)
	}
	return l
}

// CheckTier is Check with the limiter's config and the multiplier of tier.
func (l *Limiter) CheckTier(ctx context.Context, id Identity, tier Tier) Result {
	return l.Check(ctx, id, l.tiers.Multiplier(tier), l.config)
}

// Check counts one request of id and decides whether it is allowed. When the
// store cannot be reached the request is allowed.
func (l *Limiter) Check(ctx context.Context, id Identity, multiplier float64, cfg Config) Result {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	now := l.clock.Now()
	identifier := id.Key()
	limit := cfg.EffectiveLimit(multiplier)
	window := now.UnixNano() / int64(cfg.Window)
	result := Result{
		Limit:     limit,
		ResetTime: time.Unix(0, (window+1)*int64(cfg.Window)),
	}

	until, err := l.store.Get(ctx, l.keys.RateBlock(identifier))
	switch {
	case err == nil:
		result.Blocked = true
		if ms, err := strconv.ParseFloat(until, 64); err == nil {
			result.ResetTime = store.FromMillis(ms)
		}
		return result
	case !errors.Is(err, store.ErrNil):
		return l.failOpen(result, identifier, err)
	}

	count, err := l.incr(ctx, l.keys.RateCount(identifier, window), cfg.Window)
	if err != nil {
		return l.failOpen(result, identifier, err)
	}

	if count > 2*limit {
		blockedUntil := now.Add(cfg.BlockDuration)
		if err := l.store.Set(ctx, l.keys.RateBlock(identifier), strconv.FormatFloat(store.Millis(blockedUntil), 'f', -1, 64), cfg.BlockDuration); err != nil {
			level.Warn(l.logger).Log("msg", "unable to block", "identifier", identifier, "err", err)
		} else {
			level.Warn(l.logger).Log("msg", "identifier blocked", "identifier", identifier, "count", count, "limit", limit, "until", blockedUntil)
		}
		result.Blocked = true
		result.ResetTime = blockedUntil
		return result
	}

	if count <= limit {
		result.Allowed = true
		result.Remaining = limit - count
		return result
	}

	if id.Authenticated() && cfg.BurstAllowance > 0 {
		burst, err := l.incr(ctx, l.keys.RateBurst(identifier, window), cfg.Window)
		if err != nil {
			return l.failOpen(result, identifier, err)
		}
		if count+burst <= limit+cfg.BurstAllowance {
			result.Allowed = true
			return result
		}
	}
	return result
}

// incr increments a window counter, setting its expiry on the first hit.
func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if _, err := l.store.Expire(ctx, key, window); err != nil {
			level.Warn(l.logger).Log("msg", "unable to expire counter", "key", key, "err", err)
		}
	}
	return n, nil
}

func (l *Limiter) failOpen(result Result, identifier string, err error) Result {
	level.Warn(l.logger).Log("msg", "rate limiter unavailable, allowing request", "identifier", identifier, "err", err)
	result.Allowed = true
	result.Remaining = result.Limit
	return result
}
