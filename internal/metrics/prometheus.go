// Package metrics Prometheus指标收集
// 收集HTTP请求、管道阶段、守卫拦截与LLM调用等关键业务指标
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusMetrics Prometheus指标收集器
type PrometheusMetrics struct {
	// HTTP请求相关指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 管道指标
	pipelineQueriesTotal  *prometheus.CounterVec
	stageDuration         *prometheus.HistogramVec
	generationAttempts    prometheus.Histogram
	guardRejectionsTotal  *prometheus.CounterVec
	llmCallsTotal         *prometheus.CounterVec
	cacheOperationsTotal  *prometheus.CounterVec
	executionRowsReturned prometheus.Histogram

	// 系统指标
	activeRequests prometheus.Gauge

	registry *prometheus.Registry
	logger   *zap.Logger
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Namespace string // 指标命名空间
	Subsystem string // 指标子系统
}

// DefaultMetricsConfig 默认指标配置
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "askdb",
		Subsystem: "api",
	}
}

// NewPrometheusMetrics 创建Prometheus指标收集器
func NewPrometheusMetrics(config *MetricsConfig, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	pm.pipelineQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "pipeline",
			Name:      "queries_total",
			Help:      "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	pm.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	pm.generationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "pipeline",
			Name:      "generation_attempts",
			Help:      "Number of SQL generation attempts per query",
			Buckets:   []float64{1, 2, 3, 4},
		},
	)

	pm.guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Total number of guard rejections by code",
		},
		[]string{"code"},
	)

	pm.llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM completions by outcome",
		},
		[]string{"outcome"},
	)

	pm.cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total number of result cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	pm.executionRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "sql",
			Name:      "rows_returned",
			Help:      "Number of rows returned per execution",
			Buckets:   []float64{0, 1, 10, 50, 100, 500, 1000},
		},
	)

	pm.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	pm.registerMetrics()

	logger.Info("Prometheus指标初始化完成",
		zap.String("namespace", config.Namespace),
		zap.String("subsystem", config.Subsystem))

	return pm
}

// registerMetrics 注册所有指标到Prometheus
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.httpRequestsTotal)
	pm.registry.MustRegister(pm.httpRequestDuration)
	pm.registry.MustRegister(pm.pipelineQueriesTotal)
	pm.registry.MustRegister(pm.stageDuration)
	pm.registry.MustRegister(pm.generationAttempts)
	pm.registry.MustRegister(pm.guardRejectionsTotal)
	pm.registry.MustRegister(pm.llmCallsTotal)
	pm.registry.MustRegister(pm.cacheOperationsTotal)
	pm.registry.MustRegister(pm.executionRowsReturned)
	pm.registry.MustRegister(pm.activeRequests)
}

// HTTPMetricsMiddleware HTTP指标收集中间件
func (pm *PrometheusMetrics) HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		pm.activeRequests.Inc()
		defer pm.activeRequests.Dec()

		c.Next()

		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		statusCode := strconv.Itoa(c.Writer.Status())

		pm.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
		pm.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// RecordQueryOutcome 记录一次管道运行的最终结局
func (pm *PrometheusMetrics) RecordQueryOutcome(outcome string) {
	pm.pipelineQueriesTotal.WithLabelValues(outcome).Inc()
}

// RecordStageDuration 记录管道阶段耗时
func (pm *PrometheusMetrics) RecordStageDuration(stage string, duration time.Duration) {
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordGenerationAttempts 记录一次请求消耗的生成次数
func (pm *PrometheusMetrics) RecordGenerationAttempts(attempts int) {
	pm.generationAttempts.Observe(float64(attempts))
}

// RecordGuardRejection 记录守卫拦截
func (pm *PrometheusMetrics) RecordGuardRejection(code string) {
	pm.guardRejectionsTotal.WithLabelValues(code).Inc()
}

// RecordLLMCall 记录LLM调用结局
func (pm *PrometheusMetrics) RecordLLMCall(outcome string) {
	pm.llmCallsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheOperation 记录缓存查找结局（hit或miss）
func (pm *PrometheusMetrics) RecordCacheOperation(outcome string) {
	pm.cacheOperationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRowsReturned 记录执行返回的行数
func (pm *PrometheusMetrics) RecordRowsReturned(rows int) {
	pm.executionRowsReturned.Observe(float64(rows))
}

// GetMetricsHandler 获取Prometheus指标端点处理器
func (pm *PrometheusMetrics) GetMetricsHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
