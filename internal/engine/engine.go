package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/derivbot/gotrade/internal/domain"
	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/internal/risk"
	"github.com/derivbot/gotrade/internal/venue"
	"github.com/derivbot/gotrade/pkg/logger"
	"github.com/derivbot/gotrade/pkg/ratelimit"
)

// Sender 发送请求并等待相关响应,由连接管理器实现
type Sender interface {
	Send(ctx context.Context, op string, data interface{}, expectKind string) (*venue.Frame, error)
}

// Registrar 结算跟踪器注册入口
type Registrar interface {
	Track(contract domain.Contract) error
}

// Config 执行引擎配置
type Config struct {
	SlippagePct        float64
	RequoteMaxAttempts int
	RequoteDelay       time.Duration
	DryRun             bool
}

// Engine 执行引擎:风控裁定 -> 限流 -> 报价 -> 滑点校验 -> 买入,
// 每笔交易走 Quoting -> Quoted -> Buying -> Placed|Failed 状态机。
type Engine struct {
	venue    Sender
	throttle *ratelimit.Gate
	gate     *risk.Gate
	cache    *risk.Cache
	tracker  Registrar
	cfg      Config
}

// New 创建执行引擎
func New(sender Sender, throttle *ratelimit.Gate, gate *risk.Gate, cache *risk.Cache, tracker Registrar, cfg Config) *Engine {
	if cfg.RequoteMaxAttempts <= 0 {
		cfg.RequoteMaxAttempts = 3
	}
	if cfg.RequoteDelay <= 0 {
		cfg.RequoteDelay = 250 * time.Millisecond
	}
	return &Engine{
		venue:    sender,
		throttle: throttle,
		gate:     gate,
		cache:    cache,
		tracker:  tracker,
		cfg:      cfg,
	}
}

// quoteRequest / proposal / buyRequest / buyResult 场馆线格式
type quoteRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Stake    float64 `json:"stake"`
	Duration int     `json:"duration"`
}

type proposal struct {
	ProposalID string  `json:"proposal_id"`
	AskPrice   float64 `json:"ask_price"`
	Payout     float64 `json:"payout"`
}

type buyRequest struct {
	ProposalID string  `json:"proposal_id"`
	Price      float64 `json:"price"`
}

type buyResult struct {
	ContractID string  `json:"contract_id"`
	BuyPrice   float64 `json:"buy_price"`
	Payout     float64 `json:"payout"`
}

// Execute 执行一笔交易意图。
// 返回的错误要么是 *RiskError(闸门拒绝),要么是带分类的 *Error,
// 绝不返回无法归因的裸错误。
func (e *Engine) Execute(ctx context.Context, intent domain.TradeIntent) (*domain.Contract, error) {
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	if !intent.Side.IsValid() {
		return nil, &Error{CodeUnknown, fmt.Errorf("invalid side %q", intent.Side)}
	}

	log := logger.WithFields(logrus.Fields{
		"intent":  intent.IntentID,
		"account": intent.AccountID,
		"symbol":  intent.Symbol,
	})

	stake := intent.ProposedStake
	verdict := e.gate.Evaluate(intent.AccountID, stake)
	switch verdict.Status {
	case risk.StatusOK:
	case risk.StatusReduceStake:
		// 软信号:截断到单笔上限后继续,不视为拒绝
		capped := e.gate.Limits().MaxStake
		log.Warnf("stake %.2f capped to %.2f: %s", stake, capped, verdict.Reason)
		stake = capped
	default:
		log.Warnf("risk gate rejected: %s (%s)", verdict.Status, verdict.Reason)
		return nil, &RiskError{Verdict: verdict}
	}

	contract, err := e.placeWithRequote(ctx, intent, stake, log)
	if err != nil {
		metrics.TradesFailed.Add(1)
		return nil, err
	}

	if e.cfg.DryRun {
		metrics.TradesPlaced.Add(1)
		return contract, nil
	}

	// 先记账再注册跟踪:合约一旦存在,风控敞口必须已经计入。
	// 订阅失败是可恢复故障,由跟踪器的重订阅逻辑兜底。
	if err := e.cache.RecordTradeOpened(intent.AccountID, stake); err != nil {
		log.Errorf("record trade opened: %v", err)
	}
	if err := e.tracker.Track(*contract); err != nil {
		log.Warnf("settlement tracking for %s deferred: %v", contract.ContractID, err)
	}

	metrics.TradesPlaced.Add(1)
	log.Infof("placed contract %s stake=%.2f ask=%.4f payout=%.2f",
		contract.ContractID, stake, contract.AskPrice, contract.Payout)
	return contract, nil
}

// placeWithRequote 报价->滑点校验->买入,报价过期时有界重试
func (e *Engine) placeWithRequote(ctx context.Context, intent domain.TradeIntent, stake float64, log *logrus.Entry) (*domain.Contract, error) {
	baseline := intent.ExpectedPrice

	for attempt := 0; ; attempt++ {
		if err := e.throttle.Acquire(ctx, venue.OpQuote); err != nil {
			return nil, classify(err, stageQuote)
		}

		prop, err := e.requestQuote(ctx, intent, stake)
		if err != nil {
			return nil, classify(err, stageQuote)
		}

		// 首个报价作为滑点基准(调用方未给预期价时)
		if baseline <= 0 {
			baseline = prop.AskPrice
		}
		if e.cfg.SlippagePct > 0 && baseline > 0 {
			drift := math.Abs(prop.AskPrice-baseline) / baseline * 100
			if drift > e.cfg.SlippagePct {
				metrics.SlippageAborts.Add(1)
				return nil, &Error{CodeSlippageExceeded,
					fmt.Errorf("ask %.4f drifted %.2f%% from %.4f (limit %.2f%%)",
						prop.AskPrice, drift, baseline, e.cfg.SlippagePct)}
			}
		}

		if e.cfg.DryRun {
			log.Infof("dry run: would buy %s %s stake=%.2f ask=%.4f payout=%.2f",
				intent.Symbol, intent.Side, stake, prop.AskPrice, prop.Payout)
			return &domain.Contract{
				ContractID: "dry-" + uuid.NewString(),
				AccountID:  intent.AccountID,
				Symbol:     intent.Symbol,
				Stake:      stake,
				ProposalID: prop.ProposalID,
				AskPrice:   prop.AskPrice,
				Payout:     prop.Payout,
				PlacedAt:   time.Now(),
			}, nil
		}

		if err := e.throttle.Acquire(ctx, venue.OpBuy); err != nil {
			return nil, classify(err, stageBuy)
		}

		contract, err := e.buy(ctx, intent, stake, prop)
		if err == nil {
			return contract, nil
		}
		if !isStaleQuote(err) {
			return nil, classify(err, stageBuy)
		}

		// 报价过期:有界重报价
		if attempt+1 >= e.cfg.RequoteMaxAttempts {
			return nil, &Error{CodeRequoteExhausted,
				fmt.Errorf("quote went stale %d times: %v", attempt+1, err)}
		}
		metrics.RequoteAttempts.Add(1)
		log.Debugf("quote stale (attempt %d/%d), requoting: %v", attempt+1, e.cfg.RequoteMaxAttempts, err)

		select {
		case <-ctx.Done():
			return nil, classify(ctx.Err(), stageBuy)
		case <-time.After(e.cfg.RequoteDelay):
		}
	}
}

func (e *Engine) requestQuote(ctx context.Context, intent domain.TradeIntent, stake float64) (*proposal, error) {
	frame, err := e.venue.Send(ctx, venue.OpQuote, quoteRequest{
		Symbol:   intent.Symbol,
		Side:     string(intent.Side),
		Stake:    stake,
		Duration: intent.Duration,
	}, venue.OpQuote)
	if err != nil {
		return nil, err
	}

	var prop proposal
	if err := json.Unmarshal(frame.Data, &prop); err != nil || prop.ProposalID == "" {
		return nil, fmt.Errorf("%w: quote payload", venue.ErrParse)
	}
	return &prop, nil
}

func (e *Engine) buy(ctx context.Context, intent domain.TradeIntent, stake float64, prop *proposal) (*domain.Contract, error) {
	frame, err := e.venue.Send(ctx, venue.OpBuy, buyRequest{
		ProposalID: prop.ProposalID,
		Price:      prop.AskPrice,
	}, venue.OpBuy)
	if err != nil {
		return nil, err
	}

	var res buyResult
	if err := json.Unmarshal(frame.Data, &res); err != nil || res.ContractID == "" {
		return nil, fmt.Errorf("%w: buy payload", venue.ErrParse)
	}

	payout := res.Payout
	if payout == 0 {
		payout = prop.Payout
	}
	return &domain.Contract{
		ContractID: res.ContractID,
		AccountID:  intent.AccountID,
		Symbol:     intent.Symbol,
		Stake:      stake,
		ProposalID: prop.ProposalID,
		AskPrice:   prop.AskPrice,
		Payout:     payout,
		PlacedAt:   time.Now(),
	}, nil
}
