// Package catalog 提供租户schema的结构目录
// 通过information_schema反射表与列信息，供选择器、生成器与守卫使用
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Column 表中的一列
type Column struct {
	Name     string `json:"name"`      // 列名
	DataType string `json:"data_type"` // 声明类型
}

// Entry 单张表的目录项，构建后不可变
type Entry struct {
	Schema  string   `json:"schema"`  // 所属schema
	Table   string   `json:"table"`   // 表名
	Columns []Column `json:"columns"` // 按定义顺序排列的列
}

// Catalog 单个schema的结构索引
type Catalog struct {
	Schema  string  `json:"schema"`
	Entries []Entry `json:"entries"`

	tables map[string]*Entry
}

// NewCatalog 由目录项构建schema索引
func NewCatalog(schema string, entries []Entry) *Catalog {
	c := &Catalog{Schema: schema, Entries: entries, tables: make(map[string]*Entry, len(entries))}
	for i := range entries {
		c.tables[strings.ToLower(entries[i].Table)] = &c.Entries[i]
	}
	return c
}

// HasTable 判断表是否存在于该schema（大小写不敏感）
func (c *Catalog) HasTable(name string) bool {
	_, ok := c.tables[strings.ToLower(name)]
	return ok
}

// TableNames 返回schema中的全部表名
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		names = append(names, e.Table)
	}
	return names
}

// Introspector schema目录构建器
// 单表反射失败只记录并跳过，不导致整个目录失败
type Introspector struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewIntrospector 创建目录构建器
func NewIntrospector(pool *pgxpool.Pool, logger *zap.Logger) *Introspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{pool: pool, logger: logger}
}

// LoadAll 构建每个许可schema的目录
// 仅当未配置任何schema、或所有schema的所有表都反射失败时返回错误
func (in *Introspector) LoadAll(ctx context.Context, schemas []string) (map[string]*Catalog, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("未配置任何许可schema")
	}

	catalogs := make(map[string]*Catalog, len(schemas))
	var loadedTables int
	var lastErr error

	for _, schema := range schemas {
		entries, err := in.loadSchema(ctx, schema)
		if err != nil {
			lastErr = err
			in.logger.Warn("schema反射失败，已跳过",
				zap.String("schema", schema),
				zap.Error(err))
			continue
		}
		catalogs[schema] = NewCatalog(schema, entries)
		loadedTables += len(entries)
	}

	if loadedTables == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("所有许可schema反射失败: %w", lastErr)
		}
		return nil, fmt.Errorf("许可schema中没有任何可反射的表")
	}

	return catalogs, nil
}

// loadSchema 反射单个schema：先列出表，再逐表取列
func (in *Introspector) loadSchema(ctx context.Context, schema string) ([]Entry, error) {
	rows, err := in.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("列出表失败: %w", err)
	}

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("读取表名失败: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历表列表失败: %w", err)
	}

	entries := make([]Entry, 0, len(tableNames))
	var tableErrs int

	for _, table := range tableNames {
		columns, err := in.loadColumns(ctx, schema, table)
		if err != nil {
			// 单表失败记录后跳过
			tableErrs++
			in.logger.Warn("表结构反射失败，已跳过",
				zap.String("schema", schema),
				zap.String("table", table),
				zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Schema: schema, Table: table, Columns: columns})
	}

	if len(tableNames) > 0 && len(entries) == 0 {
		return nil, fmt.Errorf("schema %s 中全部 %d 张表反射失败", schema, tableErrs)
	}

	return entries, nil
}

// loadColumns 按定义顺序读取单表的列
func (in *Introspector) loadColumns(ctx context.Context, schema, table string) ([]Column, error) {
	rows, err := in.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}
