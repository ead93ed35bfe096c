package store

import (
	"context"
	"encoding/json"
	"time"
)

// Query 读取条件
type Query struct {
	Table string
	Since time.Time
	Limit int
}

// Row 一条持久化记录
type Row struct {
	ID        string
	Table     string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// Store 持久层的窄接口,上层不感知具体后端
type Store interface {
	Append(ctx context.Context, table string, record interface{}) error
	Read(ctx context.Context, query Query) ([]Row, error)
	Close() error
}
