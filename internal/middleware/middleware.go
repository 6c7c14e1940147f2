// Package middleware HTTP中间件
// 恢复、结构化日志、安全头、CORS、限流与请求ID追踪
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Logger    *zap.Logger
	RateLimit *RateLimitConfig
	CORS      *CORSConfig
	Security  *SecurityConfig
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	RequestsPerSecond int           // 每秒请求数限制
	Burst             int           // 突发请求数
	CleanupInterval   time.Duration // 清理间隔
}

// CORSConfig CORS配置
type CORSConfig struct {
	AllowOrigins     []string // 允许的源
	AllowMethods     []string // 允许的HTTP方法
	AllowHeaders     []string // 允许的请求头
	AllowCredentials bool     // 是否允许凭据
	MaxAge           int      // 预检请求缓存时间
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	EnableCSP  bool // 是否启用内容安全策略
	EnableHSTS bool // 是否启用HSTS
}

// DefaultMiddlewareConfig 默认中间件配置
func DefaultMiddlewareConfig(logger *zap.Logger) *MiddlewareConfig {
	return &MiddlewareConfig{
		Logger: logger,
		RateLimit: &RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			CleanupInterval:   5 * time.Minute,
		},
		CORS: &CORSConfig{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           86400,
		},
		Security: &SecurityConfig{
			EnableCSP:  true,
			EnableHSTS: true,
		},
	}
}

// SetupMiddleware 按固定顺序挂载通用中间件
// 限流不在这里挂载：按租户限流依赖认证写入的上下文，由业务路由组在认证之后挂载
func SetupMiddleware(r *gin.Engine, config *MiddlewareConfig) {
	r.Use(RecoveryMiddleware(config.Logger))
	r.Use(RequestIDMiddleware())
	r.Use(StructuredLogger(config.Logger))
	r.Use(SecurityHeaders(config.Security))
	r.Use(CORSMiddleware(config.CORS))
}

// RecoveryMiddleware 恢复中间件
// 捕获panic并记录详细错误日志，防止服务崩溃
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		if logger != nil {
			logger.Error("请求panic已恢复",
				zap.Any("panic", recovered),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()),
			)
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"code":      "INTERNAL_ERROR",
			"message":   "服务器内部错误",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
}

// StructuredLogger 结构化日志中间件
// 记录每个HTTP请求的方法、路径、状态码与耗时
func StructuredLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger != nil {
			logger.Info("HTTP请求",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_addr", c.ClientIP()),
				zap.String("request_id", c.GetString("request_id")),
				zap.Int("body_size", c.Writer.Size()),
			)
		}
	}
}

// SecurityHeaders 安全头中间件
func SecurityHeaders(config *SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// HSTS头（仅HTTPS）
		if config.EnableHSTS && c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if config.EnableCSP {
			c.Header("Content-Security-Policy", "default-src 'self'")
		}

		c.Next()
	}
}

// CORSMiddleware CORS跨域中间件
// 处理跨域请求，支持预检请求和实际请求
func CORSMiddleware(config *CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if len(config.AllowOrigins) > 0 && (config.AllowOrigins[0] == "*" || contains(config.AllowOrigins, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		if len(config.AllowMethods) > 0 {
			c.Header("Access-Control-Allow-Methods", strings.Join(config.AllowMethods, ", "))
		}
		if len(config.AllowHeaders) > 0 {
			c.Header("Access-Control-Allow-Headers", strings.Join(config.AllowHeaders, ", "))
		}
		if config.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if config.MaxAge > 0 {
			c.Header("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter 按客户端分桶的令牌桶限流器
type RateLimiter struct {
	limiters        sync.Map
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	lastCleanup     time.Time
	mu              sync.Mutex
}

// NewRateLimiter 创建限流器实例
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		rate:            rate.Limit(config.RequestsPerSecond),
		burst:           config.Burst,
		cleanupInterval: config.CleanupInterval,
		lastCleanup:     time.Now(),
	}
}

// Allow 检查指定客户端是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.cleanup()

	limiterAny, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	return limiterAny.(*rate.Limiter).Allow()
}

// cleanup 周期性重置分桶，防止键空间无限增长
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < rl.cleanupInterval {
		return
	}
	rl.limiters = sync.Map{}
	rl.lastCleanup = time.Now()
}

// RateLimitMiddleware 请求限流中间件
// 优先按租户限流，匿名请求退回IP限流
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limitKey string
		if tenantID := c.GetString(ContextTenantID); tenantID != "" {
			limitKey = "tenant:" + tenantID
		} else {
			limitKey = "ip:" + c.ClientIP()
		}

		if !limiter.Allow(limitKey) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":        "RATE_LIMIT_EXCEEDED",
				"message":     "请求频率超过限制，请稍后重试",
				"retry_after": 60,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
// 为每个请求生成唯一ID，用于日志追踪和审计关联
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// contains 检查字符串切片是否包含指定字符串
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
