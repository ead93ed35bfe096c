package health

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derivbot/gotrade/pkg/logger"
)

// MonitorConfig 资源采样配置
type MonitorConfig struct {
	Interval           time.Duration
	GoroutineThreshold int
	HeapThresholdMB    float64
	QueueSaturationPct float64 // 出站队列占用率告警阈值（0~1）
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.GoroutineThreshold <= 0 {
		c.GoroutineThreshold = 2000
	}
	if c.HeapThresholdMB <= 0 {
		c.HeapThresholdMB = 512
	}
	if c.QueueSaturationPct <= 0 || c.QueueSaturationPct > 1 {
		c.QueueSaturationPct = 0.8
	}
}

// ResourceMonitor 周期采样进程资源与运行时劣化信号
// (出站队列饱和、重连熔断器打开)。只观测不干预,自愈动作归恢复管理器。
type ResourceMonitor struct {
	agg      *Aggregator
	cfg      MonitorConfig
	degraded atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewResourceMonitor 创建资源监控,agg 可为 nil(只采样进程资源)
func NewResourceMonitor(agg *Aggregator, cfg MonitorConfig) *ResourceMonitor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ResourceMonitor{agg: agg, cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start 启动采样循环
func (m *ResourceMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop 停止采样
func (m *ResourceMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Degraded 最近一次采样是否发现劣化信号
func (m *ResourceMonitor) Degraded() bool {
	return m.degraded.Load()
}

func (m *ResourceMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	goroutines := runtime.NumGoroutine()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1 << 20)

	if goroutines > m.cfg.GoroutineThreshold {
		logger.Warnf("[monitor] goroutines %d exceeds threshold %d", goroutines, m.cfg.GoroutineThreshold)
	}
	if heapMB > m.cfg.HeapThresholdMB {
		logger.Warnf("[monitor] heap %.1fMB exceeds threshold %.1fMB", heapMB, m.cfg.HeapThresholdMB)
	}

	degraded := false
	if m.agg != nil {
		s := m.agg.Snapshot()
		if s.QueueCapacity > 0 {
			sat := float64(s.QueueDepth) / float64(s.QueueCapacity)
			if sat >= m.cfg.QueueSaturationPct {
				degraded = true
				logger.Warnf("[monitor] outbound queue %d/%d exceeds saturation threshold %.0f%%",
					s.QueueDepth, s.QueueCapacity, m.cfg.QueueSaturationPct*100)
			}
		}
		if s.CircuitState == "open" {
			degraded = true
			logger.Warnf("[monitor] reconnect storm breaker open, sends failing fast")
		}
	}
	m.degraded.Store(degraded)

	logger.Debugf("[monitor] goroutines=%d heap=%.1fMB gc=%d degraded=%v", goroutines, heapMB, ms.NumGC, degraded)
}
