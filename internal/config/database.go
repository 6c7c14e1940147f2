package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseConfig 数据源连接配置
// 指向租户的业务数据库，查询管道只以只读事务访问它
type DatabaseConfig struct {
	Host     string `json:"host"`     // 数据库主机地址
	Port     int    `json:"port"`     // 数据库端口
	User     string `json:"user"`     // 数据库用户名
	Password string `json:"-"`        // 数据库密码（不输出到JSON）
	Database string `json:"database"` // 数据库名称
	SSLMode  string `json:"ssl_mode"` // SSL模式

	// 连接池配置
	MaxConns        int32         `json:"max_conns"`          // 最大连接数
	MinConns        int32         `json:"min_conns"`          // 最小连接数
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`  // 连接最大生命周期
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time"` // 连接最大空闲时间
	ConnectTimeout  time.Duration `json:"connect_timeout"`    // 连接超时

	// 应用级配置
	ApplicationName string `json:"application_name"` // 应用名称（用于数据库侧监控）
}

// DefaultDatabaseConfig 从环境变量构建数据库配置
func DefaultDatabaseConfig() *DatabaseConfig {
	port, err := strconv.Atoi(GetEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return &DatabaseConfig{
		Host:            GetEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            GetEnvOrDefault("DB_USER", "postgres"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        GetEnvOrDefault("DB_NAME", "askdb"),
		SSLMode:         GetEnvOrDefault("DB_SSL_MODE", "prefer"),
		MaxConns:        50,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  30 * time.Second,
		ApplicationName: "askdb",
	}
}

// GetConnectionString 构建PostgreSQL连接字符串
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s connect_timeout=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		c.ApplicationName, int(c.ConnectTimeout.Seconds()),
	)
}

// Validate 验证数据库配置的有效性
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("数据库主机地址不能为空")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("数据库端口必须在1-65535范围内")
	}
	if c.User == "" {
		return fmt.Errorf("数据库用户名不能为空")
	}
	if c.Database == "" {
		return fmt.Errorf("数据库名称不能为空")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("最大连接数必须大于0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("最小连接数必须在0与最大连接数之间")
	}
	return nil
}

// NewPool 创建pgxpool连接池
func (c *DatabaseConfig) NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("数据库配置验证失败: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(c.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("解析连接字符串失败: %w", err)
	}

	poolConfig.MaxConns = c.MaxConns
	poolConfig.MinConns = c.MinConns
	poolConfig.MaxConnLifetime = c.MaxConnLifetime
	poolConfig.MaxConnIdleTime = c.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}

	return pool, nil
}
