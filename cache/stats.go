package cache

import (
	"context"
	"strconv"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/pkg/errors"
)

// Stats are the cache wide counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	HitRate float64 `json:"hitRate"`
	// Tags is the number of registered tags.
	Tags int64 `json:"tags"`
	// Indexed counts the keys held by each priority index, expired entries
	// included.
	Indexed map[Priority]int64 `json:"indexed"`
}

// Stats reads the cache counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Indexed: make(map[Priority]int64, len(Priorities))}
	for name, dst := range map[string]*int64{
		statHits:    &stats.Hits,
		statMisses:  &stats.Misses,
		statSets:    &stats.Sets,
		statDeletes: &stats.Deletes,
	} {
		raw, err := c.store.Get(ctx, c.keys.CacheStat(name))
		if errors.Is(err, store.ErrNil) {
			continue
		}
		if err != nil {
			return stats, errors.Wrap(err, "cache: stats")
		}
		if *dst, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return stats, errors.Wrapf(err, "cache: parse %s", name)
		}
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}

	var err error
	if stats.Tags, err = c.store.SCard(ctx, c.keys.CacheTags()); err != nil {
		return stats, errors.Wrap(err, "cache: stats")
	}
	for _, p := range Priorities {
		n, err := c.store.ZCard(ctx, c.keys.CachePriority(string(p)))
		if err != nil {
			return stats, errors.Wrap(err, "cache: stats")
		}
		stats.Indexed[p] = n
	}
	return stats, nil
}
