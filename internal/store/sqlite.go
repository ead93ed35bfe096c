package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite 的主存储,所有业务记录落在单张追加表
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开(或创建)数据库并执行迁移
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS records (
  id TEXT PRIMARY KEY,
  tbl TEXT NOT NULL,
  created_at TEXT NOT NULL,
  payload TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_records_tbl_created ON records(tbl, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Append 追加一条记录
func (s *SQLiteStore) Append(ctx context.Context, table string, record interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, tbl, created_at, payload) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), table, time.Now().UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("append %s: %w", table, err)
	}
	return nil
}

// Read 按表与时间范围读取
func (s *SQLiteStore) Read(ctx context.Context, query Query) ([]Row, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	since := ""
	if !query.Since.IsZero() {
		since = query.Since.UTC().Format(time.RFC3339Nano)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tbl, created_at, payload FROM records
		 WHERE tbl = ? AND created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		query.Table, since, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", query.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdAt, payload string
		if err := rows.Scan(&r.ID, &r.Table, &createdAt, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
