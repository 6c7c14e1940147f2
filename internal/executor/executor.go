// Package executor 只读SQL执行
// 所有查询都在只读事务中运行，事务最终一律回滚
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Result 一次查询的结果集
type Result struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated"` // 行数达到上限被截断
	Duration  time.Duration `json:"duration"`
}

// QueryError 数据库执行失败
// 错误文本会进入纠错提示词，保留数据库原始信息
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("SQL执行失败: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Runner 执行已放行SQL的接口
type Runner interface {
	Run(ctx context.Context, sql string, rowCap int) (*Result, error)
}

// Executor 基于pgx连接池的只读执行器
type Executor struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewExecutor 创建只读执行器
func NewExecutor(pool *pgxpool.Pool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{pool: pool, logger: logger}
}

// Run 在只读事务中执行SQL并收集行
// 读到rowCap行即停止并标记截断
func (e *Executor) Run(ctx context.Context, sql string, rowCap int) (*Result, error) {
	started := time.Now()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, &QueryError{SQL: sql, Err: fmt.Errorf("开启只读事务失败: %w", err)}
	}
	// 只读查询没有需要提交的内容
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, &QueryError{SQL: sql, Err: err}
	}
	defer rows.Close()

	columns := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, string(fd.Name))
	}

	result := &Result{Columns: columns, Rows: make([][]any, 0, 16)}
	for rows.Next() {
		if result.RowCount >= rowCap {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, &QueryError{SQL: sql, Err: fmt.Errorf("读取行失败: %w", err)}
		}
		result.Rows = append(result.Rows, convertRow(values))
		result.RowCount++
	}
	if !result.Truncated {
		if err := rows.Err(); err != nil {
			return nil, &QueryError{SQL: sql, Err: err}
		}
	}

	result.Duration = time.Since(started)
	e.logger.Info("查询执行完成",
		zap.Int("row_count", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// convertRow 把一行数据库值转换为可JSON序列化的形式
func convertRow(values []any) []any {
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = convertValue(v)
	}
	return converted
}

// convertValue 时间转RFC3339，字节串转base64，其余原样返回
func convertValue(v any) any {
	switch value := v.(type) {
	case time.Time:
		return value.Format(time.RFC3339)
	case *time.Time:
		if value == nil {
			return nil
		}
		return value.Format(time.RFC3339)
	case []byte:
		return base64.StdEncoding.EncodeToString(value)
	default:
		return v
	}
}
