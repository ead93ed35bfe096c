package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrThrottled 表示在 MaxWait 内没有等到令牌。
// 与交易所侧限流（VenueError）区分开：本地限流由调用方决定是否稍后重试。
var ErrThrottled = errors.New("ratelimit: throttled (max wait exceeded)")

// TokenBucket 令牌桶速率限制器
type TokenBucket struct {
	capacity   float64 // 桶容量（burst）
	tokens     float64 // 当前令牌数
	refillRate float64 // 每秒补充的令牌数
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶（初始为满）
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// refill 按流逝时间补充令牌（调用方需持锁）
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Allow 尝试立即取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// nextAvailable 距下一个令牌可用还需等待多久（调用方需持锁后复制值调用）
func (tb *TokenBucket) nextAvailable() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.refill(now)
	if tb.tokens >= 1 {
		return 0
	}
	if tb.refillRate <= 0 {
		return time.Second
	}
	missing := 1 - tb.tokens
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

// Remaining 当前剩余令牌数（取整）
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return int(tb.tokens)
}

// ClassConfig 单个操作类别的限流参数
type ClassConfig struct {
	Rate    float64       // 每秒补充令牌数
	Burst   int           // 桶容量
	MaxWait time.Duration // 等待令牌的最长时间，超时返回 ErrThrottled
}

// Gate 按操作类别限流的门闸（quote / buy 各自独立的桶）
type Gate struct {
	buckets  map[string]*TokenBucket
	maxWaits map[string]time.Duration
	fallback *TokenBucket // 未知类别使用的兜底桶
	fbWait   time.Duration
	mu       sync.RWMutex
}

// NewGate 创建限流门闸
func NewGate(classes map[string]ClassConfig) *Gate {
	g := &Gate{
		buckets:  make(map[string]*TokenBucket),
		maxWaits: make(map[string]time.Duration),
		fallback: NewTokenBucket(10, 20),
		fbWait:   3 * time.Second,
	}
	for class, cfg := range classes {
		g.buckets[class] = NewTokenBucket(cfg.Rate, cfg.Burst)
		g.maxWaits[class] = cfg.MaxWait
	}
	return g
}

func (g *Gate) lookup(class string) (*TokenBucket, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if tb, ok := g.buckets[class]; ok {
		return tb, g.maxWaits[class]
	}
	return g.fallback, g.fbWait
}

// Acquire 阻塞等待一个令牌。
// 超过该类别的 MaxWait 返回 ErrThrottled；ctx 取消返回 ctx.Err()。
func (g *Gate) Acquire(ctx context.Context, class string) error {
	tb, maxWait := g.lookup(class)

	deadline := time.Now().Add(maxWait)
	for {
		if tb.Allow() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrThrottled
		}

		wait := tb.nextAvailable()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Remaining 返回某类别当前剩余令牌数（用于状态快照）
func (g *Gate) Remaining(class string) int {
	tb, _ := g.lookup(class)
	return tb.Remaining()
}
