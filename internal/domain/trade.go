package domain

import "time"

// Side 合约方向
type Side string

const (
	SideRise Side = "rise" // 看涨
	SideFall Side = "fall" // 看跌
)

// IsValid 验证方向是否有效
func (s Side) IsValid() bool {
	return s == SideRise || s == SideFall
}

// TradeIntent 交易意图：策略产生、尚未通过风控的拟交易。
// ExpectedPrice 可选：非 0 时引擎会用它做滑点校验；为 0 时以首次报价为基准。
type TradeIntent struct {
	IntentID      string  // 客户端幂等 ID（uuid）
	AccountID     string  // 账户 ID
	Symbol        string  // 标的
	Side          Side    // 方向
	ProposedStake float64 // 拟投入本金
	Duration      int     // 合约期限（秒）
	ExpectedPrice float64 // 期望成交价（可选）
}

// Contract 已下单合约。终态前由结算跟踪器持有。
type Contract struct {
	ContractID string    // 交易所分配的合约 ID
	AccountID  string    // 账户 ID
	Symbol     string    // 标的
	Stake      float64   // 实际投入本金
	ProposalID string    // 成交所依据的报价 ID
	AskPrice   float64   // 成交时的卖价
	Payout     float64   // 满赔付额
	PlacedAt   time.Time // 下单时间
}

// SettlementRecord 结算记录。每个 contractID 至多产生一条。
type SettlementRecord struct {
	ContractID string    // 合约 ID
	AccountID  string    // 账户 ID
	Profit     float64   // 已实现盈亏（负数为亏损）
	SettledAt  time.Time // 结算时间
}
