// Package cache is a store backed cache whose entries carry a priority and a
// set of tags. Secondary indexes per priority and per tag allow bulk lookups
// and invalidation. Entries expire on their own; the indexes are cleaned up
// when entries are deleted and are otherwise bounded by their own expiry and
// by Reconcile.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Priority ranks entries for eviction.
type Priority string

// Priorities.
const (
	Low      Priority = "low"
	Normal   Priority = "normal"
	High     Priority = "high"
	Critical Priority = "critical"
)

// Priorities lists every priority.
var Priorities = []Priority{Low, Normal, High, Critical}

const (
	fieldAccessCount = "access_count"
	fieldLastAccess  = "last_access"

	statHits    = "hits"
	statMisses  = "misses"
	statSets    = "sets"
	statDeletes = "deletes"
)

// Entry is a cached value.
type Entry struct {
	Key         string            `json:"key"`
	Value       json.RawMessage   `json:"value"`
	TTL         time.Duration     `json:"ttl"`
	Priority    Priority          `json:"priority"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	AccessCount int64             `json:"accessCount"`
	LastAccess  *time.Time        `json:"lastAccess,omitempty"`
}

// Bind decodes the value into v.
func (e *Entry) Bind(v interface{}) error {
	return json.Unmarshal(e.Value, v)
}

// Cache is the tagged cache.
type Cache struct {
	store      store.Store
	keys       store.Keyspace
	logger     log.Logger
	clock      store.Clock
	defaultTTL time.Duration
	grace      time.Duration
}

// Option configures the Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Cache) { c.logger = log.With(logger, "component", "cache") }
}

// WithClock replaces the wall clock.
func WithClock(clock store.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithDefaultTTL sets the ttl of entries stored without one. Defaults to an hour.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithGrace sets how much longer than an entry its index memberships may
// live. Defaults to five minutes.
func WithGrace(grace time.Duration) Option {
	return func(c *Cache) { c.grace = grace }
}

// New creates a Cache.
func New(s store.Store, keys store.Keyspace, opts ...Option) *Cache {
	c := &Cache{
		store:      s,
		keys:       keys,
		logger:     log.NewNopLogger(),
		clock:      store.SystemClock,
		defaultTTL: time.Hour,
		grace:      5 * time.Minute,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// SetOption tunes Set.
type SetOption func(*Entry)

// TTL sets the lifetime of the entry.
func TTL(ttl time.Duration) SetOption {
	return func(e *Entry) { e.TTL = ttl }
}

// WithPriority sets the priority of the entry. Defaults to Normal.
func WithPriority(p Priority) SetOption {
	return func(e *Entry) { e.Priority = p }
}

// WithTags attaches tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(e *Entry) { e.Tags = append(e.Tags, tags...) }
}

// WithMetadata attaches a key/value pair to the entry.
func WithMetadata(key, value string) SetOption {
	return func(e *Entry) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// Set stores value under key, replacing any previous entry along with its
// index memberships. value is JSON encoded unless it is a json.RawMessage.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) error {
	raw, ok := value.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "cache: encode %s", key)
		}
		raw = b
	}
	now := c.clock.Now()
	entry := &Entry{Key: key, Value: raw, TTL: c.defaultTTL, Priority: Normal, CreatedAt: now}
	for _, f := range opts {
		f(entry)
	}
	if entry.TTL <= 0 {
		entry.TTL = c.defaultTTL
	}
	entry.Tags = dedupe(entry.Tags)

	if old, err := c.load(ctx, key); err == nil {
		c.unindex(ctx, old.Key, []Priority{old.Priority}, old.Tags)
	}

	encoded, err := store.Encode(entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.keys.CacheEntry(key), encoded, entry.TTL); err != nil {
		return errors.Wrapf(err, "cache: set %s", key)
	}
	if _, err := c.store.Del(ctx, c.keys.CacheMeta(key)); err != nil {
		level.Warn(c.logger).Log("msg", "unable to reset access stats", "key", key, "err", err)
	}

	indexTTL := entry.TTL + c.grace
	priority := c.keys.CachePriority(string(entry.Priority))
	if err := c.store.ZAdd(ctx, priority, store.Z{Score: store.Millis(now), Member: key}); err != nil {
		return errors.Wrapf(err, "cache: index %s", key)
	}
	c.extend(ctx, priority, indexTTL)
	for _, tag := range entry.Tags {
		if _, err := c.store.SAdd(ctx, c.keys.CacheTag(tag), key); err != nil {
			return errors.Wrapf(err, "cache: tag %s", key)
		}
		c.extend(ctx, c.keys.CacheTag(tag), indexTTL)
		if _, err := c.store.SAdd(ctx, c.keys.CacheTags(), tag); err != nil {
			level.Warn(c.logger).Log("msg", "unable to register tag", "tag", tag, "err", err)
		}
	}
	c.stat(ctx, statSets)
	return nil
}

// Get returns the entry of key and counts the access. It never extends the
// lifetime of the entry.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := c.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.stat(ctx, statMisses)
		}
		return nil, err
	}

	now := c.clock.Now()
	meta := c.keys.CacheMeta(key)
	count, err := c.store.HIncrBy(ctx, meta, fieldAccessCount, 1)
	if err != nil {
		level.Warn(c.logger).Log("msg", "unable to count access", "key", key, "err", err)
	} else {
		entry.AccessCount = count
		entry.LastAccess = &now
		if err := c.store.HSet(ctx, meta, map[string]string{fieldLastAccess: now.UTC().Format(time.RFC3339Nano)}); err != nil {
			level.Warn(c.logger).Log("msg", "unable to record access", "key", key, "err", err)
		}
		if count == 1 {
			if ttl, err := c.store.TTL(ctx, c.keys.CacheEntry(key)); err == nil && ttl > 0 {
				_, _ = c.store.Expire(ctx, meta, ttl)
			}
		}
	}
	c.stat(ctx, statHits)
	return entry, nil
}

// GetValue decodes the value of key into v.
func (c *Cache) GetValue(ctx context.Context, key string, v interface{}) error {
	entry, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return entry.Bind(v)
}

// GetByTags returns the live entries carrying any of tags, ordered by key.
// Index members whose entry already expired are skipped. A store failure is
// logged and yields an empty result.
func (c *Cache) GetByTags(ctx context.Context, tags ...string) []*Entry {
	keys, err := c.tagged(ctx, tags)
	if err != nil {
		level.Warn(c.logger).Log("msg", "unable to read tag index", "tags", strings.Join(tags, ","), "err", err)
		return []*Entry{}
	}
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := c.load(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrMiss) {
				level.Warn(c.logger).Log("msg", "skipping cache entry", "key", key, "err", err)
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Delete removes key and its index memberships. It reports whether a live
// entry was removed.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	entry, err := c.load(ctx, key)
	switch {
	case err == nil:
		c.unindex(ctx, key, []Priority{entry.Priority}, entry.Tags)
	case errors.Is(err, ErrMiss) || store.IsDecodeError(err):
		// The entry is gone, so its indexes are unknown: sweep them all.
		tags, err := c.store.SMembers(ctx, c.keys.CacheTags())
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to list tags", "err", err)
		}
		c.unindex(ctx, key, Priorities, tags)
		entry = nil
	default:
		return false, err
	}

	n, err := c.store.Del(ctx, c.keys.CacheEntry(key), c.keys.CacheMeta(key))
	if err != nil {
		return false, errors.Wrapf(err, "cache: delete %s", key)
	}
	c.stat(ctx, statDeletes)
	return entry != nil && n > 0, nil
}

// Clear deletes every entry whose key matches the glob pattern and returns
// how many live entries were removed.
func (c *Cache) Clear(ctx context.Context, pattern string) (int, error) {
	matched, err := c.store.Scan(ctx, c.keys.CacheEntry(pattern))
	if err != nil {
		return 0, errors.Wrap(err, "cache: scan")
	}
	cleared := 0
	for _, redisKey := range matched {
		ok, err := c.Delete(ctx, c.keys.CacheEntryKey(redisKey))
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to clear entry", "key", redisKey, "err", err)
			continue
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}

// InvalidateTags deletes every entry carrying any of tags, then the tag
// indexes themselves.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	keys, err := c.tagged(ctx, tags)
	if err != nil {
		return 0, err
	}
	invalidated := 0
	for _, key := range keys {
		ok, err := c.Delete(ctx, key)
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to invalidate entry", "key", key, "err", err)
			continue
		}
		if ok {
			invalidated++
		}
	}
	for _, tag := range tags {
		if _, err := c.store.Del(ctx, c.keys.CacheTag(tag)); err != nil {
			return invalidated, errors.Wrapf(err, "cache: drop tag %s", tag)
		}
		if _, err := c.store.SRem(ctx, c.keys.CacheTags(), tag); err != nil {
			return invalidated, errors.Wrapf(err, "cache: unregister tag %s", tag)
		}
	}
	return invalidated, nil
}

// Evict deletes the entries of a priority inserted more than olderThan ago,
// oldest first.
func (c *Cache) Evict(ctx context.Context, priority Priority, olderThan time.Duration) (int, error) {
	index := c.keys.CachePriority(string(priority))
	cutoff := c.clock.Now().Add(-olderThan)
	stale, err := c.store.ZRangeByScore(ctx, index, store.NegInf, store.Millis(cutoff), 0)
	if err != nil {
		return 0, errors.Wrap(err, "cache: range priority index")
	}
	evicted := 0
	for _, z := range stale {
		ok, err := c.Delete(ctx, z.Member)
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to evict entry", "key", z.Member, "err", err)
			continue
		}
		if ok {
			evicted++
		}
	}
	if evicted > 0 {
		level.Info(c.logger).Log("msg", "evicted cache entries", "priority", priority, "count", evicted)
	}
	return evicted, nil
}

// Reconcile drops registered tags whose index is empty and returns how many
// were dropped. Non-empty indexes that only point at expired entries are left
// alone.
func (c *Cache) Reconcile(ctx context.Context) (int, error) {
	tags, err := c.store.SMembers(ctx, c.keys.CacheTags())
	if err != nil {
		return 0, errors.Wrap(err, "cache: list tags")
	}
	dropped := 0
	for _, tag := range tags {
		n, err := c.store.SCard(ctx, c.keys.CacheTag(tag))
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to inspect tag", "tag", tag, "err", err)
			continue
		}
		if n > 0 {
			continue
		}
		if _, err := c.store.SRem(ctx, c.keys.CacheTags(), tag); err != nil {
			return dropped, errors.Wrapf(err, "cache: unregister tag %s", tag)
		}
		dropped++
	}
	return dropped, nil
}

func (c *Cache) load(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.store.Get(ctx, c.keys.CacheEntry(key))
	if errors.Is(err, store.ErrNil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cache: get %s", key)
	}
	var entry Entry
	if err := store.Decode(raw, &entry); err != nil {
		return nil, err
	}
	if meta, err := c.store.HGet(ctx, c.keys.CacheMeta(key), fieldAccessCount); err == nil {
		if n, err := strconv.ParseInt(meta, 10, 64); err == nil {
			entry.AccessCount = n
		}
	}
	return &entry, nil
}

func (c *Cache) tagged(ctx context.Context, tags []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, tag := range tags {
		members, err := c.store.SMembers(ctx, c.keys.CacheTag(tag))
		if err != nil {
			return nil, errors.Wrapf(err, "cache: read tag %s", tag)
		}
		for _, m := range members {
			seen[m] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *Cache) unindex(ctx context.Context, key string, priorities []Priority, tags []string) {
	for _, p := range priorities {
		if _, err := c.store.ZRem(ctx, c.keys.CachePriority(string(p)), key); err != nil {
			level.Warn(c.logger).Log("msg", "unable to unindex priority", "key", key, "err", err)
		}
	}
	for _, tag := range tags {
		if _, err := c.store.SRem(ctx, c.keys.CacheTag(tag), key); err != nil {
			level.Warn(c.logger).Log("msg", "unable to unindex tag", "key", key, "tag", tag, "err", err)
		}
	}
}

// extend raises the expiry of an index key to at least ttl. It never
// shortens it, since other entries may need the index longer.
func (c *Cache) extend(ctx context.Context, key string, ttl time.Duration) {
	current, err := c.store.TTL(ctx, key)
	if err != nil {
		level.Warn(c.logger).Log("msg", "unable to read index ttl", "key", key, "err", err)
		return
	}
	if current >= ttl {
		return
	}
	if _, err := c.store.Expire(ctx, key, ttl); err != nil {
		level.Warn(c.logger).Log("msg", "unable to extend index ttl", "key", key, "err", err)
	}
}

func (c *Cache) stat(ctx context.Context, name string) {
	if _, err := c.store.Incr(ctx, c.keys.CacheStat(name)); err != nil {
		level.Warn(c.logger).Log("msg", "unable to update cache stats", "stat", name, "err", err)
	}
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
