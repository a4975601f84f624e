package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ Store = (*InProcessStore)(nil)

type kind int

const (
	kindString kind = iota
	kindList
	kindHash
	kindSet
	kindZSet
)

type item struct {
	kind     kind
	str      string
	list     []string // head first
	hash     map[string]string
	set      map[string]struct{}
	zset     map[string]float64
	expireAt time.Time
}

func (it *item) empty() bool {
	switch it.kind {
	case kindList:
		return len(it.list) == 0
	case kindHash:
		return len(it.hash) == 0
	case kindSet:
		return len(it.set) == 0
	case kindZSet:
		return len(it.zset) == 0
	}
	return false
}

// InProcessStore is a Store kept in process memory. Expiry is evaluated lazily
// against the configured Clock. It is safe for concurrent use, and every
// operation is atomic, just like its redis counterpart.
type InProcessStore struct {
	mu    sync.Mutex
	clock Clock
	items map[string]*item
}

// NewInProcessStore creates an empty store. A nil clock means SystemClock.
func NewInProcessStore(clock Clock) *InProcessStore {
	if clock == nil {
		clock = SystemClock
	}
	return &InProcessStore{clock: clock, items: make(map[string]*item)}
}

// lookup returns the live item under key, evicting it if it has expired.
func (m *InProcessStore) lookup(key string) *item {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if !it.expireAt.IsZero() && !m.clock.Now().Before(it.expireAt) {
		delete(m.items, key)
		return nil
	}
	return it
}

func (m *InProcessStore) typed(key string, k kind, create bool) (*item, error) {
	it := m.lookup(key)
	if it == nil {
		if !create {
			return nil, nil
		}
		it = &item{kind: k}
		switch k {
		case kindHash:
			it.hash = make(map[string]string)
		case kindSet:
			it.set = make(map[string]struct{})
		case kindZSet:
			it.zset = make(map[string]float64)
		}
		m.items[key] = it
		return it, nil
	}
	if it.kind != k {
		return nil, ErrWrongType
	}
	return it, nil
}

// gc drops containers that became empty, as redis does.
func (m *InProcessStore) gc(key string, it *item) {
	if it != nil && it.kind != kindString && it.empty() {
		delete(m.items, key)
	}
}

func (m *InProcessStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *InProcessStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindString, false)
	if err != nil {
		return "", err
	}
	if it == nil {
		return "", ErrNil
	}
	return it.str, nil
}

func (m *InProcessStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := &item{kind: kindString, str: value}
	if ttl > 0 {
		it.expireAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *InProcessStore) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if m.lookup(key) != nil {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *InProcessStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *InProcessStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.items, key)
		return true, nil
	}
	it.expireAt = m.clock.Now().Add(ttl)
	return true, nil
}

func (m *InProcessStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil {
		return 0, ErrNil
	}
	if it.expireAt.IsZero() {
		return -1, nil
	}
	return it.expireAt.Sub(m.clock.Now()), nil
}

func (m *InProcessStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *InProcessStore) Decr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, -1)
}

func (m *InProcessStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindString, true)
	if err != nil {
		return 0, err
	}
	var cur int64
	if it.str != "" {
		cur, err = strconv.ParseInt(it.str, 10, 64)
		if err != nil {
			return 0, errors.New("store: value is not an integer")
		}
	}
	cur += n
	it.str = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *InProcessStore) LPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, true)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		it.list = append([]string{v}, it.list...)
	}
	return int64(len(it.list)), nil
}

func (m *InProcessStore) RPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, false)
	if err != nil {
		return "", err
	}
	if it == nil || len(it.list) == 0 {
		return "", ErrNil
	}
	last := it.list[len(it.list)-1]
	it.list = it.list[:len(it.list)-1]
	m.gc(key, it)
	return last, nil
}

func (m *InProcessStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, false)
	if err != nil || it == nil {
		return nil, err
	}
	lo, hi, ok := bounds(start, stop, len(it.list))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, it.list[lo:hi+1])
	return out, nil
}

func (m *InProcessStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, false)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.list)), nil
}

func (m *InProcessStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, false)
	if err != nil || it == nil {
		return err
	}
	lo, hi, ok := bounds(start, stop, len(it.list))
	if !ok {
		it.list = nil
	} else {
		it.list = append([]string(nil), it.list[lo:hi+1]...)
	}
	m.gc(key, it)
	return nil
}

func (m *InProcessStore) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindList, false)
	if err != nil || it == nil {
		return 0, err
	}
	var removed int64
	kept := make([]string, 0, len(it.list))
	if count >= 0 {
		for _, v := range it.list {
			if v == value && (count == 0 || removed < count) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
	} else {
		for i := len(it.list) - 1; i >= 0; i-- {
			v := it.list[i]
			if v == value && removed < -count {
				removed++
				continue
			}
			kept = append([]string{v}, kept...)
		}
	}
	it.list = kept
	m.gc(key, it)
	return removed, nil
}

func (m *InProcessStore) ZAdd(_ context.Context, key string, members ...Z) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, true)
	if err != nil {
		return err
	}
	for _, z := range members {
		it.zset[z.Member] = z.Score
	}
	return nil
}

func (m *InProcessStore) sorted(it *item) []Z {
	out := make([]Z, 0, len(it.zset))
	for member, score := range it.zset {
		out = append(out, Z{Score: score, Member: member})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out
}

func (m *InProcessStore) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]Z, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, false)
	if err != nil || it == nil {
		return nil, err
	}
	var out []Z
	for _, z := range m.sorted(it) {
		if z.Score < min || z.Score > max {
			continue
		}
		out = append(out, z)
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (m *InProcessStore) ZRange(_ context.Context, key string, start, stop int64) ([]Z, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, false)
	if err != nil || it == nil {
		return nil, err
	}
	all := m.sorted(it)
	lo, hi, ok := bounds(start, stop, len(all))
	if !ok {
		return []Z{}, nil
	}
	return all[lo : hi+1], nil
}

func (m *InProcessStore) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, false)
	if err != nil || it == nil {
		return 0, err
	}
	var n int64
	for _, member := range members {
		if _, ok := it.zset[member]; ok {
			delete(it.zset, member)
			n++
		}
	}
	m.gc(key, it)
	return n, nil
}

func (m *InProcessStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, false)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.zset)), nil
}

func (m *InProcessStore) ZRemRangeByRank(_ context.Context, key string, start, stop int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindZSet, false)
	if err != nil || it == nil {
		return 0, err
	}
	all := m.sorted(it)
	lo, hi, ok := bounds(start, stop, len(all))
	if !ok {
		return 0, nil
	}
	for _, z := range all[lo : hi+1] {
		delete(it.zset, z.Member)
	}
	m.gc(key, it)
	return int64(hi - lo + 1), nil
}

func (m *InProcessStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindHash, true)
	if err != nil {
		return err
	}
	for k, v := range fields {
		it.hash[k] = v
	}
	m.gc(key, it)
	return nil
}

func (m *InProcessStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindHash, false)
	if err != nil {
		return "", err
	}
	if it == nil {
		return "", ErrNil
	}
	v, ok := it.hash[field]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (m *InProcessStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindHash, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if it != nil {
		for k, v := range it.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (m *InProcessStore) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindHash, false)
	if err != nil || it == nil {
		return 0, err
	}
	var n int64
	for _, f := range fields {
		if _, ok := it.hash[f]; ok {
			delete(it.hash, f)
			n++
		}
	}
	m.gc(key, it)
	return n, nil
}

func (m *InProcessStore) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindHash, true)
	if err != nil {
		return 0, err
	}
	var cur int64
	if v, ok := it.hash[field]; ok {
		cur, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.New("store: hash value is not an integer")
		}
	}
	cur += n
	it.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *InProcessStore) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindSet, true)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, member := range members {
		if _, ok := it.set[member]; !ok {
			it.set[member] = struct{}{}
			n++
		}
	}
	m.gc(key, it)
	return n, nil
}

func (m *InProcessStore) SRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindSet, false)
	if err != nil || it == nil {
		return 0, err
	}
	var n int64
	for _, member := range members {
		if _, ok := it.set[member]; ok {
			delete(it.set, member)
			n++
		}
	}
	m.gc(key, it)
	return n, nil
}

func (m *InProcessStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindSet, false)
	if err != nil {
		return nil, err
	}
	out := []string{}
	if it != nil {
		for member := range it.set {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *InProcessStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.typed(key, kindSet, false)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.set)), nil
}

func (m *InProcessStore) Scan(_ context.Context, pattern string) ([]string, error) {
	g, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.items {
		if m.lookup(key) == nil {
			continue
		}
		if g.Match(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// bounds resolves redis style inclusive start/stop indices, including
// negative ones, against a collection of length n.
func bounds(start, stop int64, n int) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}
