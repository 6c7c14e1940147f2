// Package handler HTTP接口层
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"askdb-go/internal/metrics"
)

// RouterConfig 路由配置结构
type RouterConfig struct {
	QueryHandler   *QueryHandler
	AuthMiddleware AuthMiddleware
	RateLimit      gin.HandlerFunc // 挂载在认证之后，认证请求按租户分桶
	Metrics        *metrics.PrometheusMetrics
	Pool           *pgxpool.Pool
}

// AuthMiddleware JWT认证中间件接口
type AuthMiddleware interface {
	JWTAuth() gin.HandlerFunc
}

// SetupRoutes 配置所有API路由
func SetupRoutes(r *gin.Engine, config *RouterConfig) {
	v1 := r.Group("/api/v1")

	protected := v1.Group("/")
	if config.AuthMiddleware != nil {
		protected.Use(config.AuthMiddleware.JWTAuth())
	}
	if config.RateLimit != nil {
		protected.Use(config.RateLimit)
	}
	{
		protected.POST("/query", config.QueryHandler.Query)              // 同步问答
		protected.POST("/query/stream", config.QueryHandler.QueryStream) // SSE流式问答
		protected.GET("/schemas", config.QueryHandler.ListSchemas)       // 可用schema目录
	}

	setupSystemRoutes(r, config)
}

// setupSystemRoutes 健康检查与监控端点
func setupSystemRoutes(r *gin.Engine, config *RouterConfig) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if config.Pool != nil {
			if err := config.Pool.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not_ready",
					"reason": "数据库不可达",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if config.Metrics != nil {
		r.GET("/metrics", config.Metrics.GetMetricsHandler())
	}
}
