package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

// evictTimeout bounds one eviction issued from a store listener
const evictTimeout = 2 * time.Second

// ErrCacheMiss is returned by Cache.Get when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Key addresses one cached daily aggregate
type Key struct {
	Subject metrics.SubjectRef
	Date    civil.Date
}

func (k Key) String() string {
	return fmt.Sprintf("daily:%s:%s", k.Subject, k.Date)
}

// Cache stores finished daily aggregates
type Cache interface {
	Get(ctx context.Context, key Key) (metrics.DailyAggregate, error)
	Set(ctx context.Context, key Key, agg metrics.DailyAggregate) error
	Delete(ctx context.Context, key Key) error
}

// NoCache never stores anything. Every lookup folds from the store.
type NoCache struct{}

func (NoCache) Get(context.Context, Key) (metrics.DailyAggregate, error) {
	return metrics.DailyAggregate{}, ErrCacheMiss
}

func (NoCache) Set(context.Context, Key, metrics.DailyAggregate) error { return nil }

func (NoCache) Delete(context.Context, Key) error { return nil }

// Stats reports cache effectiveness
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int64   `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) stats(items int64) Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), ItemCount: items}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// LRUCache is an in-process expiring LRU
type LRUCache struct {
	cache    *lru.LRU[Key, metrics.DailyAggregate]
	counters counters
}

// NewLRUCache creates an LRU holding up to size aggregates for ttl each
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 16 {
		size = 16
	}
	return &LRUCache{cache: lru.NewLRU[Key, metrics.DailyAggregate](size, nil, ttl)}
}

// Get returns a cached aggregate or ErrCacheMiss
func (c *LRUCache) Get(_ context.Context, key Key) (metrics.DailyAggregate, error) {
	agg, ok := c.cache.Get(key)
	if !ok {
		c.counters.misses.Add(1)
		return metrics.DailyAggregate{}, ErrCacheMiss
	}
	c.counters.hits.Add(1)
	return agg, nil
}

// Set stores an aggregate
func (c *LRUCache) Set(_ context.Context, key Key, agg metrics.DailyAggregate) error {
	c.cache.Add(key, agg)
	return nil
}

// Delete removes an aggregate
func (c *LRUCache) Delete(_ context.Context, key Key) error {
	c.cache.Remove(key)
	return nil
}

// Stats returns hit and miss counts
func (c *LRUCache) Stats() Stats {
	return c.counters.stats(int64(c.cache.Len()))
}

// EvictOnChange deletes the cached aggregate for every bucket the store
// reports changed. Processes that write to the store without serving queries,
// such as the retention janitor, use it to keep a shared cache honest.
func EvictOnChange(store eventstore.Store, cache Cache, logger *observability.Logger) {
	store.Subscribe(func(subject metrics.SubjectRef, date civil.Date) {
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		defer cancel()
		key := Key{Subject: subject, Date: date}
		if err := cache.Delete(ctx, key); err != nil {
			logger.WithError(err).WithField("key", key.String()).Warn("Failed to evict cached aggregate")
		}
	})
}

// redisRecord is the stored form of an aggregate. The rating sum is kept out
// of API responses but is needed to merge cached days.
type redisRecord struct {
	metrics.DailyAggregate
	RatingSum decimal.Decimal `json:"rating_sum"`
}

// RedisCache shares aggregates between instances
type RedisCache struct {
	client   *redis.Client
	ttl      time.Duration
	prefix   string
	counters counters
}

// NewRedisCache wraps a connected client. Keys are namespaced by prefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key(key Key) string {
	return c.prefix + key.String()
}

// Get returns a cached aggregate or ErrCacheMiss
func (c *RedisCache) Get(ctx context.Context, key Key) (metrics.DailyAggregate, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		c.counters.misses.Add(1)
		return metrics.DailyAggregate{}, ErrCacheMiss
	} else if err != nil {
		return metrics.DailyAggregate{}, fmt.Errorf("redis get failed: %w", err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt entry; drop it and recompute
		c.client.Del(ctx, c.key(key))
		c.counters.misses.Add(1)
		return metrics.DailyAggregate{}, ErrCacheMiss
	}
	c.counters.hits.Add(1)
	agg := rec.DailyAggregate
	agg.RatingSum = rec.RatingSum
	return agg, nil
}

// Set stores an aggregate with the cache TTL
func (c *RedisCache) Set(ctx context.Context, key Key, agg metrics.DailyAggregate) error {
	data, err := json.Marshal(redisRecord{DailyAggregate: agg, RatingSum: agg.RatingSum})
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes an aggregate
func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Stats returns hit and miss counts seen by this instance
func (c *RedisCache) Stats() Stats {
	return c.counters.stats(0)
}

// TieredCache reads through an in-process L1 to a shared L2. L2 failures are
// logged and treated as misses so Redis outages never fail a query.
type TieredCache struct {
	l1      Cache
	l2      Cache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewTieredCache combines two caches. l2 may be nil.
func NewTieredCache(l1, l2 Cache, logger *observability.Logger, m *observability.Metrics) *TieredCache {
	return &TieredCache{l1: l1, l2: l2, logger: logger, metrics: m}
}

// Get checks L1, then L2, promoting L2 hits into L1
func (c *TieredCache) Get(ctx context.Context, key Key) (metrics.DailyAggregate, error) {
	agg, err := c.l1.Get(ctx, key)
	c.metrics.ObserveCache("l1", err == nil)
	if err == nil || c.l2 == nil {
		return agg, err
	}

	agg, err = c.l2.Get(ctx, key)
	switch {
	case err == nil:
		c.metrics.ObserveCache("l2", true)
		_ = c.l1.Set(ctx, key, agg)
		return agg, nil
	case errors.Is(err, ErrCacheMiss):
		c.metrics.ObserveCache("l2", false)
	default:
		c.logger.WithError(err).WithField("key", key.String()).Warn("L2 cache read failed")
	}
	return metrics.DailyAggregate{}, ErrCacheMiss
}

// Set writes both tiers
func (c *TieredCache) Set(ctx context.Context, key Key, agg metrics.DailyAggregate) error {
	_ = c.l1.Set(ctx, key, agg)
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, agg); err != nil {
			c.logger.WithError(err).WithField("key", key.String()).Warn("L2 cache write failed")
		}
	}
	return nil
}

// Delete removes the key from both tiers
func (c *TieredCache) Delete(ctx context.Context, key Key) error {
	_ = c.l1.Delete(ctx, key)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
