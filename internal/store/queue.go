package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/pkg/backoff"
	"github.com/derivbot/gotrade/pkg/logger"
	"github.com/derivbot/gotrade/pkg/sigchan"
)

// QueueConfig 持久化队列配置
type QueueConfig struct {
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	ReplayInterval time.Duration
	BufferSize     int
	WriteTimeout   time.Duration
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 30 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// queueJob 一次待写入
type queueJob struct {
	id     string
	table  string
	record interface{}
}

// Queue 持久化写入队列:入队即返回,后台带退避重试,
// 重试耗尽落死信,主存储恢复后自动回放。
type Queue struct {
	store  Store
	dlq    *DeadLetter
	cfg    QueueConfig
	policy backoff.Policy

	jobs    chan queueJob
	healthy atomic.Bool
	recover *sigchan.Chan

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue 创建并启动队列。dlq 可为 nil(无死信兜底,仅测试用)。
func NewQueue(store Store, dlq *DeadLetter, cfg QueueConfig) *Queue {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:   store,
		dlq:     dlq,
		cfg:     cfg,
		policy:  backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryMax, Jitter: 0.2},
		jobs:    make(chan queueJob, cfg.BufferSize),
		recover: sigchan.New(1),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.healthy.Store(true)

	q.wg.Add(2)
	go q.writeLoop()
	go q.replayLoop()
	return q
}

// Enqueue 提交一条记录,立即返回。内存缓冲满时直接落死信,
// 绝不阻塞结算路径。
func (q *Queue) Enqueue(table string, record interface{}) {
	job := queueJob{id: uuid.NewString(), table: table, record: record}
	select {
	case q.jobs <- job:
	default:
		logger.Warnf("[persist] buffer full, %s record straight to deadletter", table)
		q.toDeadLetter(job)
	}
}

// Healthy 主存储最近一次写入是否成功
func (q *Queue) Healthy() bool {
	return q.healthy.Load()
}

// DeadLetterLen 当前死信数量
func (q *Queue) DeadLetterLen() int {
	if q.dlq == nil {
		return 0
	}
	return q.dlq.Len()
}

// Stop 停止后台协程并尽力落盘剩余记录
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()

	// 缓冲里剩下的直接落死信,进程退出不能丢记录
	for {
		select {
		case job := <-q.jobs:
			q.toDeadLetter(job)
		default:
			return
		}
	}
}

func (q *Queue) writeLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.write(job)
		}
	}
}

// write 带退避重试,耗尽后落死信
func (q *Queue) write(job queueJob) {
	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.WriteTimeout)
		err := q.store.Append(ctx, job.table, job.record)
		cancel()

		if err == nil {
			metrics.StoreWrites.Add(1)
			if !q.healthy.Swap(true) {
				// 主存储恢复,立刻触发一轮死信回放
				q.recover.Emit()
			}
			return
		}

		metrics.StoreWriteErrors.Add(1)
		q.healthy.Store(false)
		logger.Warnf("[persist] append %s failed (attempt %d/%d): %v",
			job.table, attempt+1, q.cfg.MaxAttempts, err)

		if attempt+1 < q.cfg.MaxAttempts {
			select {
			case <-q.ctx.Done():
				q.toDeadLetter(job)
				return
			case <-time.After(q.policy.Delay(attempt)):
			}
		}
	}
	q.toDeadLetter(job)
}

func (q *Queue) toDeadLetter(job queueJob) {
	if q.dlq == nil {
		logger.Errorf("[persist] dropping %s record, no deadletter configured", job.table)
		return
	}
	payload, err := json.Marshal(job.record)
	if err != nil {
		logger.Errorf("[persist] marshal %s record: %v", job.table, err)
		return
	}
	if err := q.dlq.Push(job.table, payload); err != nil {
		logger.Errorf("[persist] deadletter push failed, record lost: %v", err)
	}
}

// replayLoop 周期性(或主存储恢复时)回放死信
func (q *Queue) replayLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		case <-q.recover.C():
		}
		q.Replay()
	}
}

// Replay 尝试把死信写回主存储,首次失败即停止本轮
func (q *Queue) Replay() {
	if q.dlq == nil || q.dlq.Len() == 0 || !q.healthy.Load() {
		return
	}

	n, err := q.dlq.Drain(func(table string, payload []byte) error {
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.WriteTimeout)
		defer cancel()
		if err := q.store.Append(ctx, table, json.RawMessage(payload)); err != nil {
			q.healthy.Store(false)
			return err
		}
		metrics.StoreWrites.Add(1)
		return nil
	})
	if n > 0 {
		logger.Infof("[persist] replayed %d deadletter record(s)", n)
	}
	if err != nil {
		logger.Warnf("[persist] deadletter replay interrupted: %v", err)
	}
}
