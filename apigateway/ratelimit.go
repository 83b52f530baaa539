package apigateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// 限流
// ============================================================================

// Limiter 按 key (客户端 IP) 判断请求是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter 单实例令牌桶
type MemoryLimiter struct {
	rps   float64
	burst float64
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// 空闲超过该时长的桶会被清理
const bucketIdleTTL = 10 * time.Minute

// NewMemoryLimiter 创建令牌桶限流器，burst<=0 时取 rps
func NewMemoryLimiter(rps, burst int) *MemoryLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &MemoryLimiter{
		rps:     float64(rps),
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow 取一个令牌
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}

	// 补充令牌
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rps
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (l *MemoryLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now
	for k, b := range l.buckets {
		if now.Sub(b.lastFill) > bucketIdleTTL {
			delete(l.buckets, k)
		}
	}
}

// RedisLimiter 基于 Redis 的固定窗口计数，多实例共享配额
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter 每个 window 内每个 key 最多放行 limit 个请求
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "foundry-gateway:ratelimit",
		now:    time.Now,
	}
}

// Allow 计数加一，超过窗口配额时拒绝
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}

	return incr.Val() <= l.limit, nil
}
