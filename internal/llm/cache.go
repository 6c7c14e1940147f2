// 阶段结果缓存
// 按阶段区分TTL，并把同key的并发未命中合并成一次上游调用
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Kind 缓存的阶段类型
type Kind string

const (
	KindGeneration Kind = "generation"  // SQL生成
	KindIntent     Kind = "intent"      // 意图分析
	KindInsights   Kind = "insights"    // 业务洞察
	KindSchemaPick Kind = "schema_pick" // schema决断
)

// CacheConfig 结果缓存配置
type CacheConfig struct {
	TTLs            map[Kind]time.Duration `json:"ttls"`             // 各阶段TTL
	DefaultTTL      time.Duration          `json:"default_ttl"`      // 未配置阶段的TTL
	CleanupInterval time.Duration          `json:"cleanup_interval"` // 过期清理间隔
}

// DefaultCacheConfig 默认缓存配置
// SQL生成结果比洞察更稳定，TTL更长
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		TTLs: map[Kind]time.Duration{
			KindGeneration: time.Hour,
			KindIntent:     30 * time.Minute,
			KindSchemaPick: 30 * time.Minute,
			KindInsights:   10 * time.Minute,
		},
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// cacheEntry 单个缓存项，同一key任意时刻只有一项
type cacheEntry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
}

// CacheStatistics 缓存统计信息快照
type CacheStatistics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type cacheStats struct {
	mutex     sync.RWMutex
	hits      int64
	misses    int64
	evictions int64
}

// ResultCache 带并发合并的TTL缓存
// 过期项对读者不可见；惰性删除之外有定期清理例程
type ResultCache struct {
	entries sync.Map // key: string, value: *cacheEntry
	group   singleflight.Group

	ttls       map[Kind]time.Duration
	defaultTTL time.Duration

	// 测试注入点：默认time.Now
	now func() time.Time

	stats    *cacheStats
	logger   *zap.Logger
	observer Observer

	stopOnce      sync.Once
	stopCh        chan struct{}
	cleanupTicker *time.Ticker
}

// NewResultCache 创建结果缓存并启动清理例程
func NewResultCache(cfg *CacheConfig, logger *zap.Logger) *ResultCache {
	if cfg == nil {
		cfg = DefaultCacheConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	c := &ResultCache{
		ttls:          cfg.TTLs,
		defaultTTL:    cfg.DefaultTTL,
		now:           time.Now,
		stats:         &cacheStats{},
		logger:        logger,
		stopCh:        make(chan struct{}),
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
	}

	go c.cleanupRoutine()
	return c
}

// SetObserver 注册缓存命中率上报器
func (c *ResultCache) SetObserver(o Observer) {
	c.observer = o
}

// SetClock 注入时钟（测试用）
func (c *ResultCache) SetClock(now func() time.Time) {
	c.now = now
}

// Key 构造规范化缓存key
// 取 阶段类型|schema|规整后的问题|上下文指纹 的sha256
func Key(kind Kind, schema, question, fingerprint string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	h := sha256.New()
	h.Write([]byte(string(kind)))
	h.Write([]byte{0})
	h.Write([]byte(schema))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Get 读缓存，过期项视为不存在
func (c *ResultCache) Get(key string) (string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		c.miss()
		return "", false
	}
	entry := v.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.entries.Delete(key)
		c.miss()
		return "", false
	}
	c.hit()
	return entry.value, true
}

// GetOrCompute 读缓存，未命中时计算并写入
// 同一key的并发未命中合并到一次fn调用，不同key互不阻塞
func (c *ResultCache) GetOrCompute(ctx context.Context, kind Kind, key string, fn func(context.Context) (string, error)) (string, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		// 合并窗口内可能已有同伴写入
		if v, ok := c.entries.Load(key); ok {
			entry := v.(*cacheEntry)
			if !c.now().After(entry.expiresAt) {
				return entry.value, nil
			}
		}

		result, err := fn(ctx)
		if err != nil {
			return "", err
		}
		c.Set(kind, key, result)
		return result, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Set 写入缓存，覆盖同key旧值
func (c *ResultCache) Set(kind Kind, key, value string) {
	ttl, ok := c.ttls[kind]
	if !ok || ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.entries.Store(key, &cacheEntry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
}

// Invalidate 删除指定key
func (c *ResultCache) Invalidate(key string) {
	c.entries.Delete(key)
}

// Stop 停止清理例程并清空缓存
func (c *ResultCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cleanupTicker.Stop()
		c.entries = sync.Map{}
	})
}

// Statistics 返回统计信息副本
func (c *ResultCache) Statistics() CacheStatistics {
	c.stats.mutex.RLock()
	defer c.stats.mutex.RUnlock()
	return CacheStatistics{
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Evictions: c.stats.evictions,
	}
}

func (c *ResultCache) hit() {
	c.stats.mutex.Lock()
	c.stats.hits++
	c.stats.mutex.Unlock()
	if c.observer != nil {
		c.observer.RecordCacheOperation("hit")
	}
}

func (c *ResultCache) miss() {
	c.stats.mutex.Lock()
	c.stats.misses++
	c.stats.mutex.Unlock()
	if c.observer != nil {
		c.observer.RecordCacheOperation("miss")
	}
}

// cleanupRoutine 定期清理过期项
func (c *ResultCache) cleanupRoutine() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.cleanupTicker.C:
			c.performCleanup()
		}
	}
}

// performCleanup 执行一轮过期清理
func (c *ResultCache) performCleanup() {
	now := c.now()
	var evictions int64

	c.entries.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.entries.Delete(key)
			evictions++
		}
		return true
	})

	if evictions > 0 {
		c.stats.mutex.Lock()
		c.stats.evictions += evictions
		c.stats.mutex.Unlock()

		c.logger.Debug("缓存清理完成",
			zap.Int64("evictions", evictions))
	}
}
