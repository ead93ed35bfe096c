package risk

import (
	"math"
	"sync"
	"testing"
	"testing/quick"
	"time"
)

func newTestCache(equity float64) *Cache {
	c := NewCache()
	c.InitAccount("acct-1", equity)
	return c
}

// 任意开仓/结算序列下,持仓数与敞口都不会变成负数
func TestClampNeverNegative(t *testing.T) {
	f := func(ops []bool, stakes []float64) bool {
		c := newTestCache(10000)
		for i, open := range ops {
			stake := 10.0
			if i < len(stakes) {
				stake = math.Abs(stakes[i])
				if math.IsNaN(stake) || math.IsInf(stake, 0) {
					stake = 10.0
				}
			}
			if open {
				_ = c.RecordTradeOpened("acct-1", stake)
			} else {
				_ = c.RecordTradeSettled("acct-1", stake, 1)
			}
			s, _ := c.Snapshot("acct-1")
			if s.OpenTradeCount < 0 || s.OpenExposure < 0 {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatal(err)
	}
}

// 无匹配开仓直接结算时截断为 0,不报错也不产生负值
func TestSettleWithoutOpen(t *testing.T) {
	c := newTestCache(10000)

	if err := c.RecordTradeSettled("acct-1", 50, -50); err != nil {
		t.Fatalf("settle without open: %v", err)
	}
	s, _ := c.Snapshot("acct-1")
	if s.OpenTradeCount != 0 || s.OpenExposure != 0 {
		t.Fatalf("expected clamped zero, got count=%d exposure=%.2f", s.OpenTradeCount, s.OpenExposure)
	}
	if s.Equity != 9950 {
		t.Fatalf("equity should still reflect profit, got %.2f", s.Equity)
	}
}

// 权益峰值在任意结算序列下单调不减
func TestEquityPeakMonotonic(t *testing.T) {
	f := func(profits []float64) bool {
		c := newTestCache(10000)
		prevPeak := 0.0
		for _, p := range profits {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				p = 0
			}
			// 限制在合理区间,避免浮点溢出干扰
			p = math.Mod(p, 1000)
			_ = c.RecordTradeOpened("acct-1", 10)
			_ = c.RecordTradeSettled("acct-1", 10, p)
			s, _ := c.Snapshot("acct-1")
			if s.EquityPeak < prevPeak {
				return false
			}
			prevPeak = s.EquityPeak
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatal(err)
	}
}

// 盈利清零连亏并累计连胜;亏损清零连胜并累计连亏
func TestStreakAccounting(t *testing.T) {
	c := newTestCache(10000)

	for i := 0; i < 3; i++ {
		_ = c.RecordTradeOpened("acct-1", 10)
		_ = c.RecordTradeSettled("acct-1", 10, -10)
	}
	s, _ := c.Snapshot("acct-1")
	if s.LossStreak != 3 || s.ConsecutiveWins != 0 {
		t.Fatalf("after 3 losses: streak=%d wins=%d", s.LossStreak, s.ConsecutiveWins)
	}

	_ = c.RecordTradeOpened("acct-1", 10)
	_ = c.RecordTradeSettled("acct-1", 10, 8)
	s, _ = c.Snapshot("acct-1")
	if s.LossStreak != 0 || s.ConsecutiveWins != 1 {
		t.Fatalf("after win: streak=%d wins=%d", s.LossStreak, s.ConsecutiveWins)
	}

	// 盈亏为 0 按非亏损处理
	_ = c.RecordTradeOpened("acct-1", 10)
	_ = c.RecordTradeSettled("acct-1", 10, 0)
	s, _ = c.Snapshot("acct-1")
	if s.LossStreak != 0 || s.ConsecutiveWins != 2 {
		t.Fatalf("after break-even: streak=%d wins=%d", s.LossStreak, s.ConsecutiveWins)
	}
}

// 跨日时当日统计重置,权益与峰值保留
func TestDailyRoll(t *testing.T) {
	c := NewCache()
	now := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }
	c.InitAccount("acct-1", 10000)

	_ = c.RecordTradeOpened("acct-1", 50)
	_ = c.RecordTradeSettled("acct-1", 50, -120)
	s, _ := c.Snapshot("acct-1")
	if s.TotalLossToday != 120 {
		t.Fatalf("totalLossToday = %.2f", s.TotalLossToday)
	}

	now = now.Add(time.Hour) // 次日 00:50
	s, _ = c.Snapshot("acct-1")
	if s.TotalLossToday != 0 || s.DailyPnL != 0 {
		t.Fatalf("daily stats not reset: loss=%.2f pnl=%.2f", s.TotalLossToday, s.DailyPnL)
	}
	if s.DailyStartEquity != 9880 {
		t.Fatalf("dailyStartEquity = %.2f, want 9880", s.DailyStartEquity)
	}
	if s.Equity != 9880 || s.EquityPeak != 10000 {
		t.Fatalf("equity=%.2f peak=%.2f", s.Equity, s.EquityPeak)
	}
}

// 重复初始化不清空当日统计
func TestReinitKeepsDailyStats(t *testing.T) {
	c := newTestCache(10000)
	_ = c.RecordTradeOpened("acct-1", 50)
	_ = c.RecordTradeSettled("acct-1", 50, -150)

	c.InitAccount("acct-1", 9850)
	s, _ := c.Snapshot("acct-1")
	if s.TotalLossToday != 150 {
		t.Fatalf("reinit wiped daily loss: %.2f", s.TotalLossToday)
	}
}

// 未初始化账户记账返回错误
func TestRecordUnknownAccount(t *testing.T) {
	c := NewCache()
	if err := c.RecordTradeOpened("ghost", 10); err == nil {
		t.Fatal("expected error for unknown account")
	}
	if err := c.RecordTradeSettled("ghost", 10, 5); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

// 并发开仓/结算不竞态,总量守恒
func TestConcurrentAccounting(t *testing.T) {
	c := newTestCache(10000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.RecordTradeOpened("acct-1", 10)
			_ = c.RecordTradeSettled("acct-1", 10, 1)
		}()
	}
	wg.Wait()

	s, _ := c.Snapshot("acct-1")
	if s.OpenTradeCount != 0 || s.OpenExposure != 0 {
		t.Fatalf("count=%d exposure=%.2f", s.OpenTradeCount, s.OpenExposure)
	}
	if s.Equity != 10050 {
		t.Fatalf("equity = %.2f, want 10050", s.Equity)
	}
}
