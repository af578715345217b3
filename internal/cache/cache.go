package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"papertrade/internal/observability"
)

// Config holds cache tuning knobs. Zero values fall back to defaults.
type Config struct {
	L1TTL         time.Duration // default 5m
	L2TTL         time.Duration // default 1h
	L1MaxEntries  int           // default 10000
	SweepInterval time.Duration // default 1m
}

func (c Config) withDefaults() Config {
	if c.L1TTL <= 0 {
		c.L1TTL = 5 * time.Minute
	}
	if c.L2TTL <= 0 {
		c.L2TTL = time.Hour
	}
	if c.L1MaxEntries <= 0 {
		c.L1MaxEntries = 10_000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// entry is one L1 slot. Values are stored marshaled so both tiers share the
// same JSON representation and L1 hits never alias caller-held pointers.
type entry struct {
	key       string
	data      []byte
	writtenAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	L1Size      int  `json:"l1_size"`
	L2Connected bool `json:"l2_connected"`
}

// Cache is a two-tier cache: a process-local bounded map (L1) in front of a
// shared Redis store (L2). L1 eviction is FIFO by insertion order, not true
// LRU — an intentional simplification, do not "fix" it into access-order.
//
// Redis unavailability is never surfaced to callers: reads degrade to L1-only
// misses and writes skip the L2 leg.
type Cache struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = oldest inserted

	rdb         *redis.Client
	l2Connected atomic.Bool

	logger  zerolog.Logger
	metrics *observability.Metrics
	stop    chan struct{}
	stopped sync.Once
}

// New creates the cache and starts the background expiry sweep. rdb may be
// nil for an L1-only cache (tests, minimal deploys).
func New(cfg Config, rdb *redis.Client, logger zerolog.Logger, metrics *observability.Metrics) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		items:   make(map[string]*list.Element),
		order:   list.New(),
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	c.l2Connected.Store(rdb != nil)

	go c.sweepLoop()
	return c
}

// Close stops the background sweep. It does not flush either tier.
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stop) })
}

// Get looks up key, L1 first, then Redis with L1 repopulation on hit.
// Returns false when both tiers miss; the caller sources the value and calls
// Set. L2 failures count as misses, never as errors.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if data, ok := c.l1Get(key); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.WithLabelValues("l1").Inc()
		}
		return true, json.Unmarshal(data, dest)
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.markL2Up()
			if c.metrics != nil {
				c.metrics.CacheHits.WithLabelValues("l2").Inc()
			}
			// Write-through on read so the next lookup stays local.
			c.l1Set(key, data, c.cfg.L1TTL)
			return true, json.Unmarshal(data, dest)
		case err == redis.Nil:
			c.markL2Up()
		default:
			c.markL2Down(err, "get")
		}
	}

	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
	return false, nil
}

// Set writes value to both tiers with the default TTLs. The L1 write is
// unconditional; the L2 write is best-effort.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	return c.set(ctx, key, value, c.cfg.L1TTL, c.cfg.L2TTL)
}

// SetWithTTL is Set with an explicit TTL applied to both tiers.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.set(ctx, key, value, ttl, ttl)
}

func (c *Cache) set(ctx context.Context, key string, value interface{}, l1TTL, l2TTL time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	c.l1Set(key, data, l1TTL)

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, l2TTL).Err(); err != nil {
			c.markL2Down(err, "set")
		} else {
			c.markL2Up()
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.markL2Down(err, "del")
		} else {
			c.markL2Up()
		}
	}
}

// InvalidatePattern removes all keys matching glob from both tiers. The only
// wildcard is '*', matching any substring. Used after a locked write to keep
// derived views (e.g. "position:AAPL*") from going stale.
func (c *Cache) InvalidatePattern(ctx context.Context, glob string) error {
	re, err := globToRegexp(glob)
	if err != nil {
		return fmt.Errorf("bad pattern %q: %w", glob, err)
	}

	removed := 0
	c.mu.Lock()
	for key, elem := range c.items {
		if re.MatchString(key) {
			c.removeLocked(elem)
			removed++
		}
	}
	c.mu.Unlock()

	if c.rdb != nil {
		keys, err := c.scanL2(ctx, glob)
		if err != nil {
			c.markL2Down(err, "scan")
		} else {
			c.markL2Up()
			if len(keys) > 0 {
				if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
					c.markL2Down(err, "del")
				} else {
					removed += len(keys)
				}
			}
		}
	}

	if c.metrics != nil {
		c.metrics.CacheInvalidations.Add(float64(removed))
	}
	return nil
}

// Clear empties L1 and flushes the L2 database.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.updateSizeGauge()

	if c.rdb != nil {
		if err := c.rdb.FlushDB(ctx).Err(); err != nil {
			c.markL2Down(err, "flushdb")
		} else {
			c.markL2Up()
		}
	}
}

// Stats reports the L1 entry count and whether L2 was reachable at the last
// operation that touched it.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	return Stats{
		L1Size:      size,
		L2Connected: c.rdb != nil && c.l2Connected.Load(),
	}
}

// --- L1 ---

func (c *Cache) l1Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(elem)
		return nil, false
	}
	return e.data, true
}

func (c *Cache) l1Set(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()

	if elem, ok := c.items[key]; ok {
		// Overwrite counts as a fresh insertion for eviction order.
		e := elem.Value.(*entry)
		e.data = data
		e.writtenAt = time.Now()
		e.ttl = ttl
		c.order.MoveToBack(elem)
		c.mu.Unlock()
		return
	}

	if c.order.Len() >= c.cfg.L1MaxEntries {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
			if c.metrics != nil {
				c.metrics.CacheEvictions.Inc()
			}
		}
	}

	elem := c.order.PushBack(&entry{key: key, data: data, writtenAt: time.Now(), ttl: ttl})
	c.items[key] = elem
	c.mu.Unlock()
	c.updateSizeGauge()
}

// removeLocked unlinks an element; c.mu must be held.
func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.items, e.key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	swept := 0

	c.mu.Lock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).expired(now) {
			c.removeLocked(elem)
			swept++
		}
		elem = next
	}
	c.mu.Unlock()

	if swept > 0 {
		if c.metrics != nil {
			c.metrics.CacheEvictions.Add(float64(swept))
		}
		c.logger.Debug().Int("swept", swept).Msg("expired L1 entries removed")
	}
	c.updateSizeGauge()
}

func (c *Cache) updateSizeGauge() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()
	c.metrics.CacheL1Size.Set(float64(size))
}

// --- L2 ---

func (c *Cache) scanL2(ctx context.Context, glob string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, redisMatchPattern(glob), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// redisMatchPattern escapes the MATCH metacharacters Redis treats as
// wildcards beyond '*' ('?', '[', ']', '\') so both tiers agree that '*' is
// the only wildcard.
func redisMatchPattern(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(glob[i])
	}
	return b.String()
}

func (c *Cache) markL2Down(err error, op string) {
	if c.metrics != nil {
		c.metrics.CacheL2Errors.Inc()
	}
	if c.l2Connected.Swap(false) {
		c.logger.Warn().Err(err).Str("op", op).Msg("redis unreachable, degrading to L1-only")
	}
}

func (c *Cache) markL2Up() {
	if !c.l2Connected.Swap(true) {
		c.logger.Info().Msg("redis reachable again")
	}
}

// globToRegexp translates a '*'-wildcard pattern into an anchored regexp.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
