package health

import (
	"context"
	"sync"
	"time"

	"github.com/derivbot/gotrade/internal/venue"
	"github.com/derivbot/gotrade/pkg/logger"
)

// Reconnector 连接层的强制重连入口
type Reconnector interface {
	ForceReconnect()
}

// Replayer 死信回放入口
type Replayer interface {
	Replay()
	Healthy() bool
	DeadLetterLen() int
}

// RecoveryConfig 自愈配置
type RecoveryConfig struct {
	CheckInterval     time.Duration
	MaxClosedDuration time.Duration
	ActionCooldown    time.Duration
}

func (c *RecoveryConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.MaxClosedDuration <= 0 {
		c.MaxClosedDuration = 3 * time.Minute
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = time.Minute
	}
}

// RecoveryManager 基于健康快照的自愈:连接长时间关闭时强制重连,
// 主存储恢复后补触发死信回放。动作之间有冷却,避免自愈风暴。
type RecoveryManager struct {
	agg     *Aggregator
	conn    Reconnector
	persist Replayer
	cfg     RecoveryConfig

	closedSince time.Time
	lastAction  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(agg *Aggregator, conn Reconnector, persist Replayer, cfg RecoveryConfig) *RecoveryManager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RecoveryManager{
		agg:     agg,
		conn:    conn,
		persist: persist,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动巡检循环
func (r *RecoveryManager) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop 停止巡检
func (r *RecoveryManager) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *RecoveryManager) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

func (r *RecoveryManager) check() {
	snap := r.agg.Snapshot()
	now := time.Now()

	// 连接长时间不在 Open:超过上限且冷却已过则强制重连
	if snap.ConnectionState == venue.StateOpen.String() || snap.ConnectionState == venue.StateDraining.String() {
		r.closedSince = time.Time{}
	} else {
		if r.closedSince.IsZero() {
			r.closedSince = now
		}
		closed := now.Sub(r.closedSince)
		if closed >= r.cfg.MaxClosedDuration && now.Sub(r.lastAction) >= r.cfg.ActionCooldown {
			logger.Warnf("[recovery] connection %s for %s, forcing reconnect",
				snap.ConnectionState, closed.Round(time.Second))
			r.conn.ForceReconnect()
			r.lastAction = now
			r.closedSince = now
		}
	}

	// 主存储健康但还有死信:补触发回放
	if r.persist != nil && snap.StoreHealthy && snap.DeadLetters > 0 {
		logger.Infof("[recovery] %d dead letter(s) pending, triggering replay", snap.DeadLetters)
		r.persist.Replay()
	}
}
