package metrics

import "expvar"

var (
	// 连接层
	Reconnects        = expvar.NewInt("venue_reconnects")
	UnmatchedFrames   = expvar.NewInt("venue_unmatched_frames")
	MalformedFrames   = expvar.NewInt("venue_malformed_frames")
	DroppedSends      = expvar.NewInt("venue_dropped_sends")
	StormBreakerTrips = expvar.NewInt("venue_storm_breaker_trips")

	// 风控
	GateEvaluations = expvar.NewInt("risk_gate_evaluations")
	GateRejections  = expvar.NewInt("risk_gate_rejections")

	// 执行
	TradesPlaced     = expvar.NewInt("engine_trades_placed")
	TradesFailed     = expvar.NewInt("engine_trades_failed")
	RequoteAttempts  = expvar.NewInt("engine_requote_attempts")
	SlippageAborts   = expvar.NewInt("engine_slippage_aborts")

	// 结算
	Settlements         = expvar.NewInt("settlement_settled")
	DuplicateSettles    = expvar.NewInt("settlement_duplicates_dropped")
	Resubscribes        = expvar.NewInt("settlement_resubscribes")
	StuckOrders         = expvar.NewInt("settlement_stuck_orders")

	// 持久化
	StoreWrites      = expvar.NewInt("store_writes_ok")
	StoreWriteErrors = expvar.NewInt("store_write_errors")
	DeadLetters      = expvar.NewInt("store_dead_letters")
	DeadLetterReplay = expvar.NewInt("store_dead_letter_replayed")
)
