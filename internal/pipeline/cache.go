package pipeline

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/calgate/calgate/internal/pressure"
)

// Eviction tiers as fractions of the memory budget. Each tier trims below its
// target so repeated inserts near a boundary do not thrash.
const (
	lruTierFraction     = 0.70
	lruTargetFraction   = 0.65
	scoreTierFraction   = 0.85
	scoreTargetFraction = 0.75
	clearTierFraction   = 0.95
)

// ScoreFunc ranks entries for aggressive eviction; lowest scores evict first.
type ScoreFunc func(lastAccess time.Time, hits int64, size int64, now time.Time) float64

// DefaultScore is recency times hit frequency, with recency decaying per hour
// since last access. The insert counts as one hit so untouched entries still
// rank by recency instead of collapsing to zero.
func DefaultScore(lastAccess time.Time, hits int64, _ int64, now time.Time) float64 {
	recency := 1.0 / (1.0 + now.Sub(lastAccess).Hours())
	return recency * float64(hits+1)
}

// CacheConfig configures the in-memory response cache.
type CacheConfig struct {
	// MemoryBudgetBytes caps the sum of entry sizes.
	MemoryBudgetBytes int64

	// MaxEntries caps the entry count.
	MaxEntries int

	// EntrySizeLimitBytes rejects single values larger than this.
	EntrySizeLimitBytes int64

	// TTL is the default entry lifetime. Zero disables expiry.
	TTL time.Duration

	// Score overrides the aggressive-eviction ranking. Nil selects
	// DefaultScore.
	Score ScoreFunc
}

// DefaultCacheConfig returns sensible defaults for a memory-constrained host.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryBudgetBytes:   8 << 20,
		MaxEntries:          2048,
		EntrySizeLimitBytes: 512 << 10,
		TTL:                 5 * time.Minute,
	}
}

// cacheEntry is one cached response.
type cacheEntry struct {
	key        string
	value      []byte
	size       int64
	createdAt  time.Time
	ttl        time.Duration
	lastAccess time.Time
	hits       int64
	element    *list.Element
}

// Eviction tier labels used in stats and metrics.
const (
	TierBudget = "budget"
	TierCount  = "count"
	TierLRU    = "lru"
	TierScore  = "score"
)

// CacheStats tracks cache counters and gauges.
type CacheStats struct {
	Hits            uint64            `json:"hits"`
	Misses          uint64            `json:"misses"`
	HitRate         float64           `json:"hit_rate"`
	Evictions       uint64            `json:"evictions"`
	EvictionsByTier map[string]uint64 `json:"evictions_by_tier"`
	Clears          uint64            `json:"clears"`
	Rejected        uint64            `json:"rejected"`
	Entries         int               `json:"entries"`
	SizeBytes       int64             `json:"size_bytes"`
	BudgetBytes     int64             `json:"budget_bytes"`
	Utilization     float64           `json:"utilization"`
}

// Cache is a bounded in-memory response cache. The memory budget and entry
// count invariants hold synchronously after every insert: an insert that
// would breach the budget evicts least-recently-used entries first, then the
// usage tiers run (LRU trim at 70%, score trim at 85%, full clear at 95%).
type Cache struct {
	mu        sync.Mutex
	config    CacheConfig
	score     ScoreFunc
	entries   map[string]*cacheEntry
	evictList *list.List
	size      int64

	stats struct {
		hits      uint64
		misses    uint64
		evictions map[string]uint64
		clears    uint64
		rejected  uint64
	}
}

// NewCache creates a response cache. Zero config fields are replaced with
// defaults.
func NewCache(config CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if config.MemoryBudgetBytes <= 0 {
		config.MemoryBudgetBytes = def.MemoryBudgetBytes
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.EntrySizeLimitBytes <= 0 {
		config.EntrySizeLimitBytes = def.EntrySizeLimitBytes
	}
	if config.EntrySizeLimitBytes > config.MemoryBudgetBytes {
		config.EntrySizeLimitBytes = config.MemoryBudgetBytes
	}
	if config.TTL < 0 {
		config.TTL = def.TTL
	}
	score := config.Score
	if score == nil {
		score = DefaultScore
	}

	c := &Cache{
		config:    config,
		score:     score,
		entries:   make(map[string]*cacheEntry),
		evictList: list.New(),
	}
	c.stats.evictions = make(map[string]uint64)
	return c
}

// Get returns a copy of the live entry's value, or nil on miss. Expired
// entries are removed on access.
func (c *Cache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.stats.misses++
		return nil
	}

	if c.expired(entry, time.Now()) {
		c.removeLocked(entry)
		c.stats.misses++
		return nil
	}

	entry.lastAccess = time.Now()
	entry.hits++
	c.evictList.MoveToFront(entry.element)
	c.stats.hits++

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value
}

// Insert stores a value under key, replacing any prior entry. It reports
// whether the value was accepted; values over the entry size limit are
// rejected. The budget, count, and tier invariants hold when it returns.
func (c *Cache) Insert(key string, value []byte, ttl time.Duration) bool {
	size := int64(len(value))
	if size == 0 || size > c.config.EntrySizeLimitBytes {
		c.mu.Lock()
		c.stats.rejected++
		c.mu.Unlock()
		return false
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, exists := c.entries[key]; exists {
		c.removeLocked(prior)
	}

	// Make room before the entry lands so the budget is never breached,
	// not even transiently.
	for c.size+size > c.config.MemoryBudgetBytes && c.evictList.Len() > 0 {
		c.evictOldestLocked(TierBudget)
	}

	now := time.Now()
	entry := &cacheEntry{
		key:        key,
		value:      make([]byte, len(value)),
		size:       size,
		createdAt:  now,
		ttl:        ttl,
		lastAccess: now,
		hits:       0,
	}
	copy(entry.value, value)
	entry.element = c.evictList.PushFront(entry)
	c.entries[key] = entry
	c.size += size

	for len(c.entries) > c.config.MaxEntries && c.evictList.Len() > 0 {
		c.evictOldestLocked(TierCount)
	}

	c.applyTiersLocked(now)
	return true
}

// Invalidate removes the entry for key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		c.removeLocked(entry)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// HandlePressure re-evaluates the eviction tiers on a pressure transition.
// Emergency clears the cache outright regardless of usage. Suitable as a
// pressure.Observer.
func (c *Cache) HandlePressure(old, new pressure.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if new == pressure.LevelEmergency {
		c.clearLocked()
		return
	}
	if new > old {
		c.applyTiersLocked(time.Now())
	}
}

// Len returns the entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the summed entry sizes in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// GetStats returns a snapshot of cache counters and gauges.
func (c *Cache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:            c.stats.hits,
		Misses:          c.stats.misses,
		EvictionsByTier: make(map[string]uint64, len(c.stats.evictions)),
		Clears:          c.stats.clears,
		Rejected:        c.stats.rejected,
		Entries:         len(c.entries),
		SizeBytes:       c.size,
		BudgetBytes:     c.config.MemoryBudgetBytes,
		Utilization:     float64(c.size) / float64(c.config.MemoryBudgetBytes),
	}
	for tier, n := range c.stats.evictions {
		stats.EvictionsByTier[tier] = n
		stats.Evictions += n
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// applyTiersLocked runs the usage-driven eviction ladder, highest tier first.
func (c *Cache) applyTiersLocked(now time.Time) {
	budget := float64(c.config.MemoryBudgetBytes)
	usage := float64(c.size) / budget

	switch {
	case usage >= clearTierFraction:
		c.clearLocked()
	case usage >= scoreTierFraction:
		c.evictByScoreLocked(int64(scoreTargetFraction*budget), now)
	case usage >= lruTierFraction:
		for float64(c.size) >= lruTargetFraction*budget && c.evictList.Len() > 0 {
			c.evictOldestLocked(TierLRU)
		}
	}
}

// evictByScoreLocked trims the lowest-scoring entries until usage drops below
// the target size.
func (c *Cache) evictByScoreLocked(targetSize int64, now time.Time) {
	type scored struct {
		entry *cacheEntry
		score float64
	}

	ranked := make([]scored, 0, len(c.entries))
	for _, entry := range c.entries {
		ranked = append(ranked, scored{
			entry: entry,
			score: c.score(entry.lastAccess, entry.hits, entry.size, now),
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	for _, r := range ranked {
		if c.size < targetSize {
			break
		}
		c.removeLocked(r.entry)
		c.stats.evictions[TierScore]++
	}
}

func (c *Cache) evictOldestLocked(tier string) {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeLocked(element.Value.(*cacheEntry))
	c.stats.evictions[tier]++
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	if _, exists := c.entries[entry.key]; !exists {
		return
	}
	c.evictList.Remove(entry.element)
	delete(c.entries, entry.key)
	c.size -= entry.size
}

func (c *Cache) clearLocked() {
	if len(c.entries) == 0 {
		return
	}
	c.entries = make(map[string]*cacheEntry)
	c.evictList.Init()
	c.size = 0
	c.stats.clears++
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	if entry.ttl == 0 {
		return false
	}
	return now.Sub(entry.createdAt) > entry.ttl
}
