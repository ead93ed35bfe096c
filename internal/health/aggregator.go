package health

import (
	"runtime"
	"time"

	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/internal/venue"
)

// ConnectionSource 连接状态来源
type ConnectionSource interface {
	Stats() venue.Stats
}

// SettlementSource 在途结算数来源
type SettlementSource interface {
	Pending() int
}

// PersistSource 持久层健康度来源
type PersistSource interface {
	Healthy() bool
	DeadLetterLen() int
}

// Snapshot 对外暴露的健康快照
type Snapshot struct {
	ConnectionState    string  `json:"connection_state"`
	QueueDepth         int     `json:"queue_depth"`
	QueueCapacity      int     `json:"queue_capacity"`
	PendingRequests    int     `json:"pending_requests"`
	CircuitState       string  `json:"circuit_state"`
	RiskGateRejectRate float64 `json:"risk_gate_reject_rate"`
	PendingSettlements int     `json:"pending_settlements"`
	StoreHealthy       bool    `json:"store_healthy"`
	DeadLetters        int     `json:"dead_letters"`
	Goroutines         int     `json:"goroutines"`
	HeapAllocMB        float64 `json:"heap_alloc_mb"`
	UptimeSec          int64   `json:"uptime_sec"`
}

// Aggregator 聚合各组件的健康状态,只读采样,无副作用
type Aggregator struct {
	conn    ConnectionSource
	settle  SettlementSource
	persist PersistSource
	started time.Time
}

// NewAggregator 创建聚合器,任一来源可为 nil
func NewAggregator(conn ConnectionSource, settle SettlementSource, persist PersistSource) *Aggregator {
	return &Aggregator{
		conn:    conn,
		settle:  settle,
		persist: persist,
		started: time.Now(),
	}
}

// Snapshot 采集一次健康快照
func (a *Aggregator) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Snapshot{
		ConnectionState: venue.StateClosed.String(),
		CircuitState:    "closed",
		StoreHealthy:    true,
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocMB:     float64(ms.HeapAlloc) / (1 << 20),
		UptimeSec:       int64(time.Since(a.started).Seconds()),
	}

	if a.conn != nil {
		vs := a.conn.Stats()
		s.ConnectionState = vs.State
		s.QueueDepth = vs.QueueDepth
		s.QueueCapacity = vs.QueueCapacity
		s.PendingRequests = vs.PendingRequests
		s.CircuitState = vs.BreakerState
	}
	if a.settle != nil {
		s.PendingSettlements = a.settle.Pending()
	}
	if a.persist != nil {
		s.StoreHealthy = a.persist.Healthy()
		s.DeadLetters = a.persist.DeadLetterLen()
	}

	evals := metrics.GateEvaluations.Value()
	if evals > 0 {
		s.RiskGateRejectRate = float64(metrics.GateRejections.Value()) / float64(evals)
	}
	return s
}

// Healthy 连接打开且主存储可写即视为健康
func (a *Aggregator) Healthy() bool {
	s := a.Snapshot()
	return s.ConnectionState == venue.StateOpen.String() && s.StoreHealthy
}
