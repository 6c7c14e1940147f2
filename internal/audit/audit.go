// Package audit 查询审计
// 每次成功或失败的执行都会异步落一条审计记录，写入失败只记日志
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const insertSQL = `
	INSERT INTO askdb_audit_log
		(request_id, tenant_id, question, schema_name, sql_text, row_count, duration_ms, succeeded, failure_kind, created_at)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Entry 一条审计记录
type Entry struct {
	RequestID   string
	TenantID    string
	Question    string
	Schema      string
	SQL         string
	RowCount    int
	Duration    time.Duration
	Succeeded   bool
	FailureKind string
}

// Recorder 异步审计记录器
// pool为nil时所有记录直接丢弃，便于测试与无库部署
type Recorder struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	timeout time.Duration
}

// NewRecorder 创建审计记录器
func NewRecorder(pool *pgxpool.Pool, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{pool: pool, logger: logger, timeout: 5 * time.Second}
}

// Record 异步写入一条审计记录，不阻塞调用方
func (r *Recorder) Record(entry Entry) {
	if r.pool == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		_, err := r.pool.Exec(ctx, insertSQL,
			entry.RequestID,
			entry.TenantID,
			entry.Question,
			entry.Schema,
			entry.SQL,
			entry.RowCount,
			entry.Duration.Milliseconds(),
			entry.Succeeded,
			entry.FailureKind,
			time.Now(),
		)
		if err != nil {
			r.logger.Warn("审计记录写入失败",
				zap.String("request_id", entry.RequestID),
				zap.Error(err))
		}
	}()
}
