package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/pkg/logger"
)

// dlEnvelope 死信记录:原始表名 + 原始载荷
type dlEnvelope struct {
	Table   string          `json:"table"`
	Payload json.RawMessage `json:"payload"`
}

// DeadLetter 基于 Badger 的死信落盘,容量有界。
// 主存储写入重试耗尽后落到这里,等主存储恢复后回放。
type DeadLetter struct {
	db  *badger.DB
	cap int

	mu    sync.Mutex
	count int
	seq   uint64
}

// OpenDeadLetter 打开(或创建)死信库
func OpenDeadLetter(path string, capacity int) (*DeadLetter, error) {
	if path == "" {
		return nil, errors.New("deadletter: path is required")
	}
	if capacity <= 0 {
		capacity = 10000
	}

	bopts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open deadletter: %w", err)
	}

	d := &DeadLetter{db: db, cap: capacity}
	if err := d.loadState(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// loadState 启动时统计残留记录数并恢复序号
func (d *DeadLetter) loadState() error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			d.count++
			key := it.Item().Key()
			if len(key) >= 8 {
				if seq := binary.BigEndian.Uint64(key[:8]); seq > d.seq {
					d.seq = seq
				}
			}
		}
		return nil
	})
}

// Push 追加一条死信。容量满时淘汰最旧的一条,绝不静默丢弃新记录。
func (d *DeadLetter) Push(table string, payload []byte) error {
	env, err := json.Marshal(dlEnvelope{Table: table, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal deadletter: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count >= d.cap {
		if err := d.evictOldestLocked(); err != nil {
			return err
		}
	}

	d.seq++
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, d.seq)

	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, env)
	})
	if err != nil {
		return fmt.Errorf("push deadletter: %w", err)
	}
	d.count++
	metrics.DeadLetters.Add(1)
	return nil
}

func (d *DeadLetter) evictOldestLocked() error {
	var oldest []byte
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			oldest = it.Item().KeyCopy(nil)
		}
		return nil
	})
	if err != nil || oldest == nil {
		return err
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(oldest)
	})
	if err != nil {
		return err
	}
	d.count--
	logger.Warn("[deadletter] capacity reached, evicted oldest record")
	return nil
}

// Len 当前死信数量
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Drain 按写入顺序回放死信。fn 成功则删除该条,失败则停止
// (主存储大概率又不可用了,剩余记录留待下次回放)。
func (d *DeadLetter) Drain(fn func(table string, payload []byte) error) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	replayed := 0
	for {
		var key []byte
		var env dlEnvelope

		err := d.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			it := txn.NewIterator(opts)
			defer it.Close()
			it.Rewind()
			if !it.Valid() {
				return badger.ErrKeyNotFound
			}
			key = it.Item().KeyCopy(nil)
			return it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return replayed, nil
		}
		if err != nil {
			return replayed, err
		}

		if err := fn(env.Table, env.Payload); err != nil {
			return replayed, err
		}
		if err := d.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return replayed, err
		}
		d.count--
		replayed++
		metrics.DeadLetterReplay.Add(1)
	}
}

func (d *DeadLetter) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
