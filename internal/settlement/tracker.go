package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/derivbot/gotrade/internal/domain"
	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/internal/risk"
	"github.com/derivbot/gotrade/internal/venue"
	"github.com/derivbot/gotrade/pkg/cache"
	"github.com/derivbot/gotrade/pkg/logger"
)

// EventStream 合约生命周期事件流
type EventStream interface {
	Events() <-chan *venue.Frame
	Cancel()
}

// Subscriber 建立合约事件订阅,由连接管理器实现
type Subscriber interface {
	Subscribe(ctx context.Context, key string, data interface{}) (EventStream, error)
}

// VenueSubscriber 把 *venue.Client 适配成 Subscriber
type VenueSubscriber struct {
	Client *venue.Client
}

func (v VenueSubscriber) Subscribe(ctx context.Context, key string, data interface{}) (EventStream, error) {
	s, err := v.Client.Subscribe(ctx, key, data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Persister 结算结果的持久化入口,入队即返回
type Persister interface {
	Enqueue(table string, record interface{})
}

// Config 结算跟踪配置
type Config struct {
	StalenessWindow time.Duration
	MaxResubscribes int
	DedupeTTL       time.Duration
	RequestTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 30 * time.Second
	}
	if c.MaxResubscribes <= 0 {
		c.MaxResubscribes = 5
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// subscribeReq / contractEvent 场馆线格式
type subscribeReq struct {
	ContractID string `json:"contract_id"`
}

type contractEvent struct {
	ContractID string  `json:"contract_id"`
	Status     string  `json:"status"`
	Profit     float64 `json:"profit"`
}

// terminalStatuses 合约终态
var terminalStatuses = map[string]bool{
	"won":  true,
	"lost": true,
	"sold": true,
}

// Tracker 结算跟踪器。每个在途合约一个跟踪协程,状态机:
// Subscribing -> Watching -> (Stale -> Resubscribing)* -> Settled。
// 终态事件按合约 ID 在 TTL 窗口内去重,结算只发生一次。
type Tracker struct {
	subs  Subscriber
	cache *risk.Cache
	queue Persister
	cfg   Config

	dedupe *cache.TTLSet[string]

	mu       sync.Mutex
	watching map[string]domain.Contract
	stuckCbs []func(contractID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建跟踪器
func New(subs Subscriber, riskCache *risk.Cache, queue Persister, cfg Config) *Tracker {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		subs:     subs,
		cache:    riskCache,
		queue:    queue,
		cfg:      cfg,
		dedupe:   cache.NewTTLSet[string](cfg.DedupeTTL),
		watching: make(map[string]domain.Contract),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnStuck 注册卡单回调:重订阅次数耗尽仍未收到终态事件时触发
func (t *Tracker) OnStuck(fn func(contractID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stuckCbs = append(t.stuckCbs, fn)
}

// Pending 当前在途合约数,供健康聚合使用
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watching)
}

// Stop 停止所有跟踪协程
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.dedupe.Close()
}

// Track 开始跟踪一个已下单合约。重复注册同一合约是幂等的。
func (t *Tracker) Track(contract domain.Contract) error {
	t.mu.Lock()
	if _, ok := t.watching[contract.ContractID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.watching[contract.ContractID] = contract
	t.mu.Unlock()

	t.wg.Add(1)
	go t.watchLoop(contract)
	return nil
}

func (t *Tracker) watchLoop(contract domain.Contract) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.watching, contract.ContractID)
		t.mu.Unlock()
	}()

	attempts := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		stream, err := t.subscribe(contract.ContractID)
		if err != nil {
			attempts++
			logger.Warnf("[settlement] subscribe %s failed (attempt %d/%d): %v",
				contract.ContractID, attempts, t.cfg.MaxResubscribes, err)
			if attempts > t.cfg.MaxResubscribes {
				t.markStuck(contract.ContractID)
				return
			}
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		settled, lost := t.watch(contract, stream)
		if settled {
			return
		}
		if t.ctx.Err() != nil {
			// 停机取消不是静默,不计入重订阅也不触发卡单信号
			return
		}
		if lost {
			// 连接断开导致的流关闭不计入重订阅上限,
			// 卡单信号只针对"订阅存活却收不到事件"的情况
			continue
		}

		// 超过静默窗口未收到任何事件,重新订阅
		metrics.Resubscribes.Add(1)
		attempts++
		if attempts > t.cfg.MaxResubscribes {
			t.markStuck(contract.ContractID)
			return
		}
	}
}

func (t *Tracker) subscribe(contractID string) (EventStream, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
	defer cancel()
	return t.subs.Subscribe(ctx, contractID, subscribeReq{ContractID: contractID})
}

// watch 消费单条事件流直到终态、静默或流关闭。
// 返回 (是否已结算, 流是否被动关闭)。
func (t *Tracker) watch(contract domain.Contract, stream EventStream) (settled, lost bool) {
	timer := time.NewTimer(t.cfg.StalenessWindow)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			stream.Cancel()
			return false, false

		case frame, ok := <-stream.Events():
			if !ok {
				return false, true
			}
			var ev contractEvent
			if err := json.Unmarshal(frame.Data, &ev); err != nil {
				logger.Warnf("[settlement] bad event for %s: %v", contract.ContractID, err)
				continue
			}
			if !terminalStatuses[ev.Status] {
				// 非终态心跳也重置静默计时
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(t.cfg.StalenessWindow)
				continue
			}
			t.settle(contract, ev)
			stream.Cancel()
			return true, false

		case <-timer.C:
			stream.Cancel()
			return false, false
		}
	}
}

// settle 执行一次结算:去重 -> 风控记账 -> 持久化入队。
// 账户级串行由风控缓存的条目互斥锁保证;持久化失败不阻塞记账。
func (t *Tracker) settle(contract domain.Contract, ev contractEvent) {
	if !t.dedupe.Add(contract.ContractID) {
		metrics.DuplicateSettles.Add(1)
		logger.Debugf("[settlement] duplicate terminal event for %s dropped", contract.ContractID)
		return
	}

	if err := t.cache.RecordTradeSettled(contract.AccountID, contract.Stake, ev.Profit); err != nil {
		logger.Errorf("[settlement] record settle %s: %v", contract.ContractID, err)
	}

	record := domain.SettlementRecord{
		ContractID: contract.ContractID,
		AccountID:  contract.AccountID,
		Profit:     ev.Profit,
		SettledAt:  time.Now(),
	}
	t.queue.Enqueue("settlements", record)

	metrics.Settlements.Add(1)
	logger.Infof("[settlement] %s settled status=%s profit=%.2f", contract.ContractID, ev.Status, ev.Profit)
}

func (t *Tracker) markStuck(contractID string) {
	metrics.StuckOrders.Add(1)
	logger.Errorf("[settlement] contract %s stuck: resubscribe attempts exhausted", contractID)

	t.mu.Lock()
	cbs := make([]func(string), len(t.stuckCbs))
	copy(cbs, t.stuckCbs)
	t.mu.Unlock()
	for _, fn := range cbs {
		fn(contractID)
	}
}
