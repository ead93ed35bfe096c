package risk

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNoEntry 表示账户尚未初始化风控状态
var ErrNoEntry = errors.New("risk: account entry not initialized")

// entry 单个账户的风控状态,所有写入都必须持有 mu
type entry struct {
	mu sync.Mutex

	equity           float64
	equityPeak       float64
	dailyStartEquity float64
	dailyPnL         float64
	totalLossToday   float64
	totalProfitToday float64

	lossStreak      int
	consecutiveWins int

	openExposure   float64
	openTradeCount int

	lastTradeTime time.Time
	lastLossTime  time.Time

	day string // "2006-01-02",跨日时重置当日统计
}

// Snapshot 账户风控状态的只读副本,供风控闸门与查询路径使用
type Snapshot struct {
	AccountID        string
	Equity           float64
	EquityPeak       float64
	DailyStartEquity float64
	DailyPnL         float64
	TotalLossToday   float64
	TotalProfitToday float64
	LossStreak       int
	ConsecutiveWins  int
	OpenExposure     float64
	OpenTradeCount   int
	LastTradeTime    time.Time
	LastLossTime     time.Time
}

// Cache 进程级风控状态缓存:账户 ID -> 互斥保护的状态项。
// 外部只能拿到快照,不会暴露内部指针。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	nowFn func() time.Time // 测试注入
}

// NewCache 创建空的风控缓存
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		nowFn:   time.Now,
	}
}

// InitAccount 用已知权益快照初始化账户状态。重复初始化只刷新权益,
// 不清空当日统计,避免重连时绕过已累计的亏损。
func (c *Cache) InitAccount(accountID string, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[accountID]; ok {
		e.mu.Lock()
		e.equity = equity
		if equity > e.equityPeak {
			e.equityPeak = equity
		}
		e.mu.Unlock()
		return
	}

	now := c.nowFn()
	c.entries[accountID] = &entry{
		equity:           equity,
		equityPeak:       equity,
		dailyStartEquity: equity,
		day:              now.Format("2006-01-02"),
	}
}

func (c *Cache) get(accountID string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[accountID]
	return e, ok
}

// rollDayLocked 跨日时重置当日统计,调用方必须已持有 e.mu
func (c *Cache) rollDayLocked(e *entry) {
	today := c.nowFn().Format("2006-01-02")
	if e.day == today {
		return
	}
	e.day = today
	e.dailyStartEquity = e.equity
	e.dailyPnL = 0
	e.totalLossToday = 0
	e.totalProfitToday = 0
}

// Snapshot 返回账户状态的一致性快照;账户不存在时 ok=false,
// 调用方必须按"没有状态即禁止交易"处理。
func (c *Cache) Snapshot(accountID string) (Snapshot, bool) {
	e, ok := c.get(accountID)
	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.rollDayLocked(e)

	return Snapshot{
		AccountID:        accountID,
		Equity:           e.equity,
		EquityPeak:       e.equityPeak,
		DailyStartEquity: e.dailyStartEquity,
		DailyPnL:         e.dailyPnL,
		TotalLossToday:   e.totalLossToday,
		TotalProfitToday: e.totalProfitToday,
		LossStreak:       e.lossStreak,
		ConsecutiveWins:  e.consecutiveWins,
		OpenExposure:     e.openExposure,
		OpenTradeCount:   e.openTradeCount,
		LastTradeTime:    e.lastTradeTime,
		LastLossTime:     e.lastLossTime,
	}, true
}

// RecordTradeOpened 开仓记账:持仓数 +1、敞口累加、刷新最近交易时间。
// 账户未初始化时返回错误,调用方不得继续下单。
func (c *Cache) RecordTradeOpened(accountID string, stake float64) error {
	e, ok := c.get(accountID)
	if !ok {
		return errors.Wrap(ErrNoEntry, accountID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.rollDayLocked(e)

	e.openTradeCount++
	e.openExposure += stake
	e.lastTradeTime = c.nowFn()
	return nil
}

// RecordTradeSettled 结算记账。持仓数与敞口在 0 处截断,
// 防止进程重启或重复投递造成"先结算后开仓"时出现负值。
func (c *Cache) RecordTradeSettled(accountID string, stake, profit float64) error {
	e, ok := c.get(accountID)
	if !ok {
		return errors.Wrap(ErrNoEntry, accountID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.rollDayLocked(e)

	e.openTradeCount--
	if e.openTradeCount < 0 {
		e.openTradeCount = 0
	}
	e.openExposure -= stake
	if e.openExposure < 0 {
		e.openExposure = 0
	}

	e.equity += profit
	e.dailyPnL += profit

	now := c.nowFn()
	if profit < 0 {
		e.totalLossToday += -profit
		e.lossStreak++
		e.consecutiveWins = 0
		e.lastLossTime = now
	} else {
		e.totalProfitToday += profit
		e.consecutiveWins++
		e.lossStreak = 0
	}

	// 权益峰值只上升不下降
	if e.equity > e.equityPeak {
		e.equityPeak = e.equity
	}
	return nil
}

// Accounts 返回所有已初始化的账户 ID
func (c *Cache) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}
