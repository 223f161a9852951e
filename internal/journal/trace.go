package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"quantor/internal/logger"
)

// TraceStore 持久化每次模型调用的原始输入输出，方便事后排查某个
// 评估员为什么给出某个建议。与主 journal 分库，避免大文本拖慢热路径。
type TraceStore struct {
	mu sync.Mutex
	db *sql.DB
}

// TraceRecord 是一条模型调用记录。Error 非空表示调用失败或输出非法。
type TraceRecord struct {
	ID        int64     `json:"id"`
	Evaluator string    `json:"evaluator"`
	Symbol    string    `json:"symbol"`
	System    string    `json:"system_prompt"`
	User      string    `json:"user_prompt"`
	RawOutput string    `json:"raw_output"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TraceQuery 用于筛选记录，零值字段不参与过滤。
type TraceQuery struct {
	Evaluator string
	Symbol    string
	Limit     int
}

func OpenTraceStore(path string) (*TraceStore, error) {
	if path == "" {
		return nil, fmt.Errorf("trace store path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureTraceSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &TraceStore{db: db}
	// 启动时收敛历史体积，避免大文本无限增长
	if err := s.Prune(context.Background(), defaultTraceKeep); err != nil {
		logger.Warnf("trace store prune failed: %v", err)
	}
	return s, nil
}

const defaultTraceKeep = 5000

func ensureTraceSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS evaluator_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluator TEXT NOT NULL,
		symbol TEXT NOT NULL,
		system_prompt TEXT,
		user_prompt TEXT,
		raw_output TEXT,
		error TEXT,
		created_at INTEGER NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_traces_symbol ON evaluator_traces(symbol, created_at);`)
	return err
}

// EvaluatorTrace 实现 evaluator.TraceSink。写入失败只返回错误，不影响调用方。
func (s *TraceStore) EvaluatorTrace(ctx context.Context, evaluatorID, symbol, system, user, raw, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("trace store closed")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluator_traces
			(evaluator, symbol, system_prompt, user_prompt, raw_output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evaluatorID, symbol, system, user, raw, errMsg, time.Now().UnixMilli())
	return err
}

// List 按时间倒序返回记录，Limit<=0 时取 50。
func (s *TraceStore) List(ctx context.Context, q TraceQuery) ([]TraceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("trace store closed")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, evaluator, symbol, system_prompt, user_prompt, raw_output, error, created_at
		FROM evaluator_traces WHERE 1=1`
	args := make([]any, 0, 3)
	if q.Evaluator != "" {
		query += " AND evaluator = ?"
		args = append(args, q.Evaluator)
	}
	if q.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, q.Symbol)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TraceRecord
	for rows.Next() {
		var rec TraceRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.Evaluator, &rec.Symbol, &rec.System, &rec.User,
			&rec.RawOutput, &rec.Error, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune 删除 keep 条之外的旧记录。
func (s *TraceStore) Prune(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM evaluator_traces WHERE id NOT IN (
			SELECT id FROM evaluator_traces ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	return err
}

func (s *TraceStore) CloseTraces() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
