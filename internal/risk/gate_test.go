package risk

import (
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		MaxStake:             50,
		MaxConcurrentTrades:  5,
		Cooldown:             2 * time.Second,
		MaxConsecutiveLosses: 5,
		DailyLossLimitPct:    2,
		DrawdownLimitPct:     6,
	}
}

// 账户无风控状态时一律 HALT,绝不放行
func TestEvaluateFailClosed(t *testing.T) {
	g := NewGate(NewCache(), testLimits())
	v := g.Evaluate("ghost", 10)
	if v.Status != StatusHalt {
		t.Fatalf("expected HALT for missing entry, got %s", v.Status)
	}
}

func TestEvaluateOK(t *testing.T) {
	c := newTestCache(10000)
	g := NewGate(c, testLimits())
	if v := g.Evaluate("acct-1", 10); v.Status != StatusOK {
		t.Fatalf("expected OK, got %s (%s)", v.Status, v.Reason)
	}
}

// 当日亏损 150/10000=1.5% 放行,200/10000=2% 触发 HALT
func TestDailyLossBoundary(t *testing.T) {
	lim := testLimits()

	c := newTestCache(10000)
	_ = c.RecordTradeSettled("acct-1", 0, -150)
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusOK {
		t.Fatalf("loss 150: expected OK, got %s (%s)", v.Status, v.Reason)
	}

	c = newTestCache(10000)
	_ = c.RecordTradeSettled("acct-1", 0, -200)
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusHalt {
		t.Fatalf("loss 200: expected HALT, got %s", v.Status)
	}
}

// 回撤 9500/10000=5% 放行,9400/10000=6% 触发 HALT
func TestDrawdownBoundary(t *testing.T) {
	lim := testLimits()
	lim.DailyLossLimitPct = 0 // 只测回撤规则

	c := newTestCache(10000)
	_ = c.RecordTradeSettled("acct-1", 0, -500)
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusOK {
		t.Fatalf("equity 9500: expected OK, got %s (%s)", v.Status, v.Reason)
	}

	c = newTestCache(10000)
	_ = c.RecordTradeSettled("acct-1", 0, -600)
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusHalt {
		t.Fatalf("equity 9400: expected HALT, got %s", v.Status)
	}
}

// 持仓 4/5 放行,5/5 返回 MAX_CONCURRENT
func TestMaxConcurrentBoundary(t *testing.T) {
	lim := testLimits()
	lim.Cooldown = 0

	c := newTestCache(10000)
	for i := 0; i < 4; i++ {
		_ = c.RecordTradeOpened("acct-1", 10)
	}
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusOK {
		t.Fatalf("4 open: expected OK, got %s (%s)", v.Status, v.Reason)
	}

	_ = c.RecordTradeOpened("acct-1", 10)
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusMaxConcurrent {
		t.Fatalf("5 open: expected MAX_CONCURRENT, got %s", v.Status)
	}
}

func TestCooldown(t *testing.T) {
	c := newTestCache(10000)
	g := NewGate(c, testLimits())

	_ = c.RecordTradeOpened("acct-1", 10)
	if v := g.Evaluate("acct-1", 10); v.Status != StatusCooldown {
		t.Fatalf("expected COOLDOWN right after trade, got %s", v.Status)
	}

	g.nowFn = func() time.Time { return time.Now().Add(3 * time.Second) }
	if v := g.Evaluate("acct-1", 10); v.Status != StatusOK {
		t.Fatalf("expected OK after cooldown, got %s (%s)", v.Status, v.Reason)
	}
}

func TestLossStreakHalt(t *testing.T) {
	lim := testLimits()
	lim.Cooldown = 0
	lim.DailyLossLimitPct = 0
	lim.DrawdownLimitPct = 0

	c := newTestCache(100000)
	for i := 0; i < 5; i++ {
		_ = c.RecordTradeOpened("acct-1", 1)
		_ = c.RecordTradeSettled("acct-1", 1, -1)
	}
	if v := NewGate(c, lim).Evaluate("acct-1", 10); v.Status != StatusHalt {
		t.Fatalf("streak 5: expected HALT, got %s", v.Status)
	}
}

func TestReduceStake(t *testing.T) {
	c := newTestCache(10000)
	if v := NewGate(c, testLimits()).Evaluate("acct-1", 80); v.Status != StatusReduceStake {
		t.Fatalf("stake 80 > max 50: expected REDUCE_STAKE, got %s", v.Status)
	}
}

// 规则顺序回归:硬停必须先于降额命中。
// 同时满足"超持仓上限"和"超单笔上限"时返回 MAX_CONCURRENT 而非 REDUCE_STAKE,
// 同时满足"连亏上限"和"超单笔上限"时返回 HALT。
func TestGuardOrder(t *testing.T) {
	lim := testLimits()
	lim.Cooldown = 0

	c := newTestCache(10000)
	for i := 0; i < 5; i++ {
		_ = c.RecordTradeOpened("acct-1", 1)
	}
	if v := NewGate(c, lim).Evaluate("acct-1", 200); v.Status != StatusMaxConcurrent {
		t.Fatalf("expected MAX_CONCURRENT before REDUCE_STAKE, got %s", v.Status)
	}

	lim2 := testLimits()
	lim2.Cooldown = 0
	lim2.DailyLossLimitPct = 0
	lim2.DrawdownLimitPct = 0
	c2 := newTestCache(100000)
	for i := 0; i < 5; i++ {
		_ = c2.RecordTradeOpened("acct-1", 1)
		_ = c2.RecordTradeSettled("acct-1", 1, -1)
	}
	if v := NewGate(c2, lim2).Evaluate("acct-1", 200); v.Status != StatusHalt {
		t.Fatalf("expected HALT before REDUCE_STAKE, got %s", v.Status)
	}
}

// 零值限额关闭对应规则
func TestZeroLimitsDisableGuards(t *testing.T) {
	c := newTestCache(10000)
	for i := 0; i < 10; i++ {
		_ = c.RecordTradeOpened("acct-1", 10)
	}
	g := NewGate(c, Limits{})
	if v := g.Evaluate("acct-1", 1e9); v.Status != StatusOK {
		t.Fatalf("all guards disabled: expected OK, got %s (%s)", v.Status, v.Reason)
	}
}
