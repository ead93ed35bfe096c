package domain

// ActiveAccount 当前激活账户的只读视图。
// 令牌的获取与刷新由外部会话管理负责，核心只消费。
type ActiveAccount struct {
	AccountID string  // 账户 ID
	Token     string  // 访问令牌
	Currency  string  // 结算货币
	Equity    float64 // 激活时的权益快照，用于初始化风控缓存
}

// AccountProvider 账户访问接口（由外部会话管理实现）
type AccountProvider interface {
	ActiveAccount() (ActiveAccount, error)
}
