package ttlcache

import (
	"strings"
	"sync"
	"time"
)

// 中文说明：
// 进程内 TTL 缓存：条目各自带 TTL，读取时惰性淘汰，另有 Cleanup 供周期清扫。
// 淘汰策略仅按 TTL，不做 LRU/容量上限。命中/未命中计数用于 Stats 上报。

// Entry 缓存条目，归缓存 map 独占持有。
type entry[T any] struct {
	payload      T
	createdAt    time.Time
	ttl          time.Duration
	accessCount  int64
	lastAccessed time.Time
}

func (e *entry[T]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats 缓存计数快照。
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache 泛型 TTL 缓存。
type Cache[T any] struct {
	mu     sync.Mutex
	items  map[string]*entry[T]
	hits   int64
	misses int64
	now    func() time.Time
}

// New 构造空缓存。
func New[T any]() *Cache[T] {
	return &Cache[T]{items: make(map[string]*entry[T]), now: time.Now}
}

// SetClock 注入时钟（仅测试用）。
func (c *Cache[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
}

// Get 读取条目。过期条目当场删除并按未命中计。
// 命中时递增访问计数并刷新 lastAccessed。
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	now := c.now()
	if e.expired(now) {
		delete(c.items, key)
		c.misses++
		return zero, false
	}
	e.accessCount++
	e.lastAccessed = now
	c.hits++
	return e.payload, true
}

// AccessCount 条目的累计命中次数（未命中/过期返回 0）。
func (c *Cache[T]) AccessCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok && !e.expired(c.now()) {
		return e.accessCount
	}
	return 0
}

// Put 写入条目，TTL 由调用方按载荷语义指定。
func (c *Cache[T]) Put(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &entry[T]{payload: value, createdAt: c.now(), ttl: ttl}
}

// Invalidate 删除指定键。
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidateByPattern 删除键中包含 pattern 的全部条目，返回删除数量。
func (c *Cache[T]) InvalidateByPattern(pattern string) int {
	if strings.TrimSpace(pattern) == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.items {
		if strings.Contains(key, pattern) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Clear 清空缓存（不重置命中计数）。
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[T])
}

// Cleanup 主动清扫过期条目，返回清除数量。由后台周期任务调用，
// 用于约束两次访问之间的内存占用。
func (c *Cache[T]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.items {
		if e.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len 当前条目数（含尚未惰性淘汰的过期条目）。
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats 计数快照。
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Entries: len(c.items), Hits: c.hits, Misses: c.misses, HitRate: rate}
}
