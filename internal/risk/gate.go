package risk

import (
	"fmt"
	"time"

	"github.com/derivbot/gotrade/internal/metrics"
)

// Status 风控闸门的裁定结果
type Status int

const (
	StatusOK Status = iota
	StatusHalt
	StatusCooldown
	StatusMaxConcurrent
	StatusReduceStake
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusHalt:
		return "HALT"
	case StatusCooldown:
		return "COOLDOWN"
	case StatusMaxConcurrent:
		return "MAX_CONCURRENT"
	case StatusReduceStake:
		return "REDUCE_STAKE"
	default:
		return "UNKNOWN"
	}
}

// Verdict 一次裁定的结果与原因
type Verdict struct {
	Status Status
	Reason string
}

// Limits 风控闸门的账户级限额配置
type Limits struct {
	MaxStake             float64
	MaxConcurrentTrades  int
	Cooldown             time.Duration
	MaxConsecutiveLosses int
	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
}

// guard 单条规则:命中则返回非 nil 裁定,否则放行给下一条
type guard func(s Snapshot, stake float64, lim Limits, now time.Time) *Verdict

// guards 按固定顺序求值,首个命中即返回。硬停(并发、冷却、连亏、
// 当日亏损、回撤)排在降额之前:HALT 绝不能被降级成降额重试。
// 顺序受 TestGuardOrder 保护,调整前先改测试。
var guards = []guard{
	guardMaxConcurrent,
	guardCooldown,
	guardLossStreak,
	guardDailyLoss,
	guardDrawdown,
	guardMaxStake,
}

func guardMaxConcurrent(s Snapshot, _ float64, lim Limits, _ time.Time) *Verdict {
	if lim.MaxConcurrentTrades > 0 && s.OpenTradeCount >= lim.MaxConcurrentTrades {
		return &Verdict{StatusMaxConcurrent,
			fmt.Sprintf("open trades %d >= limit %d", s.OpenTradeCount, lim.MaxConcurrentTrades)}
	}
	return nil
}

func guardCooldown(s Snapshot, _ float64, lim Limits, now time.Time) *Verdict {
	if lim.Cooldown > 0 && !s.LastTradeTime.IsZero() {
		if since := now.Sub(s.LastTradeTime); since < lim.Cooldown {
			return &Verdict{StatusCooldown,
				fmt.Sprintf("cooldown %s remaining", (lim.Cooldown - since).Round(time.Millisecond))}
		}
	}
	return nil
}

func guardLossStreak(s Snapshot, _ float64, lim Limits, _ time.Time) *Verdict {
	if lim.MaxConsecutiveLosses > 0 && s.LossStreak >= lim.MaxConsecutiveLosses {
		return &Verdict{StatusHalt,
			fmt.Sprintf("loss streak %d >= limit %d", s.LossStreak, lim.MaxConsecutiveLosses)}
	}
	return nil
}

func guardDailyLoss(s Snapshot, _ float64, lim Limits, _ time.Time) *Verdict {
	if lim.DailyLossLimitPct > 0 && s.DailyStartEquity > 0 {
		pct := s.TotalLossToday / s.DailyStartEquity * 100
		if pct >= lim.DailyLossLimitPct {
			return &Verdict{StatusHalt,
				fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", pct, lim.DailyLossLimitPct)}
		}
	}
	return nil
}

func guardDrawdown(s Snapshot, _ float64, lim Limits, _ time.Time) *Verdict {
	if lim.DrawdownLimitPct > 0 && s.EquityPeak > 0 {
		pct := (s.EquityPeak - s.Equity) / s.EquityPeak * 100
		if pct >= lim.DrawdownLimitPct {
			return &Verdict{StatusHalt,
				fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", pct, lim.DrawdownLimitPct)}
		}
	}
	return nil
}

func guardMaxStake(_ Snapshot, stake float64, lim Limits, _ time.Time) *Verdict {
	if lim.MaxStake > 0 && stake > lim.MaxStake {
		return &Verdict{StatusReduceStake,
			fmt.Sprintf("stake %.2f > max %.2f", stake, lim.MaxStake)}
	}
	return nil
}

// Gate 交易前风控闸门:只读缓存快照,纯函数裁定
type Gate struct {
	cache  *Cache
	limits Limits
	nowFn  func() time.Time
}

// NewGate 创建闸门
func NewGate(cache *Cache, limits Limits) *Gate {
	return &Gate{cache: cache, limits: limits, nowFn: time.Now}
}

// Limits 返回当前限额(只读)
func (g *Gate) Limits() Limits {
	return g.limits
}

// Evaluate 对交易意图做开仓前裁定。
// 账户无风控状态时一律 HALT,绝不放行(fail closed)。
func (g *Gate) Evaluate(accountID string, proposedStake float64) Verdict {
	metrics.GateEvaluations.Add(1)

	snap, ok := g.cache.Snapshot(accountID)
	if !ok {
		metrics.GateRejections.Add(1)
		return Verdict{StatusHalt, "risk state not initialized"}
	}

	now := g.nowFn()
	for _, gd := range guards {
		if v := gd(snap, proposedStake, g.limits, now); v != nil {
			metrics.GateRejections.Add(1)
			return *v
		}
	}
	return Verdict{Status: StatusOK}
}
