package cache

import (
	"sync"
	"time"
)

// TTLSet 带过期时间的去重集合。
// 用于结算事件去重：首个 key 写入成功，TTL 内的重复写入被拒绝。
// 注意：TTL 过期后同一 key 可以再次写入，调用方需接受“TTL 内尽力而为”的语义。
type TTLSet[K comparable] struct {
	items map[K]time.Time // key -> 过期时间
	ttl   time.Duration
	mu    sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTTLSet 创建去重集合并启动后台清理
func NewTTLSet[K comparable](ttl time.Duration) *TTLSet[K] {
	s := &TTLSet[K]{
		items:  make(map[K]time.Time),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Add 尝试加入 key。
// 返回 true 表示首次加入；返回 false 表示 key 已存在且未过期（重复）。
func (s *TTLSet[K]) Add(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if exp, ok := s.items[key]; ok && now.Before(exp) {
		return false
	}
	s.items[key] = now.Add(s.ttl)
	return true
}

// Contains 检查 key 是否存在且未过期
func (s *TTLSet[K]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.items[key]
	return ok && time.Now().Before(exp)
}

// Size 当前条目数（含已过期未清理的）
func (s *TTLSet[K]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close 停止后台清理
func (s *TTLSet[K]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLSet[K]) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TTLSet[K]) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, exp := range s.items {
		if now.After(exp) {
			delete(s.items, key)
		}
	}
}
