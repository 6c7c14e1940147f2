package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"askdb-go/internal/audit"
	"askdb-go/internal/catalog"
	"askdb-go/internal/config"
	"askdb-go/internal/enrich"
	"askdb-go/internal/executor"
	"askdb-go/internal/generator"
	"askdb-go/internal/guard"
	"askdb-go/internal/handler"
	"askdb-go/internal/intent"
	"askdb-go/internal/llm"
	"askdb-go/internal/metrics"
	"askdb-go/internal/middleware"
	"askdb-go/internal/pipeline"
	"askdb-go/internal/selector"
)

func main() {
	// 初始化日志
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("启动AskDB服务",
		zap.String("version", "0.1.0"),
		zap.String("go_version", runtime.Version()))

	// 加载环境变量
	if err := config.LoadEnv(".env"); err != nil {
		logger.Warn("加载.env文件失败", zap.Error(err))
	}

	// 初始化配置
	dbConfig := config.DefaultDatabaseConfig()
	llmConfig := config.DefaultLLMConfig()
	pipelineConfig := config.DefaultPipelineConfig()
	metricsConfig := metrics.DefaultMetricsConfig()

	// 初始化数据库连接池
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := dbConfig.NewPool(ctx)
	cancel()
	if err != nil {
		logger.Fatal("初始化数据库连接失败", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("数据库连接建立成功")

	// 反射schema目录
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	catalogs, err := catalog.NewIntrospector(pool, logger).LoadAll(ctx, pipelineConfig.AllowedSchemas)
	cancel()
	if err != nil {
		logger.Fatal("加载schema目录失败", zap.Error(err))
	}
	logger.Info("schema目录加载完成", zap.Int("schemas", len(catalogs)))

	// 初始化LLM客户端与结果缓存
	llmClient, err := llm.NewClient(llmConfig, logger)
	if err != nil {
		logger.Fatal("初始化LLM客户端失败", zap.Error(err))
	}
	cache := llm.NewResultCache(&llm.CacheConfig{
		TTLs: map[llm.Kind]time.Duration{
			llm.KindGeneration: pipelineConfig.GenerationTTL,
			llm.KindIntent:     pipelineConfig.IntentTTL,
			llm.KindSchemaPick: pipelineConfig.IntentTTL,
			llm.KindInsights:   pipelineConfig.InsightsTTL,
		},
		DefaultTTL:      pipelineConfig.InsightsTTL,
		CleanupInterval: 5 * time.Minute,
	}, logger)
	defer cache.Stop()

	// 业务背景文档（可选），随洞察提示词下发
	bizContext := loadBizContext(logger)

	// 初始化Prometheus指标
	prometheusMetrics := metrics.NewPrometheusMetrics(metricsConfig, logger)
	llmClient.SetObserver(prometheusMetrics)
	cache.SetObserver(prometheusMetrics)

	// 组装问答管道
	p := pipeline.NewPipeline(pipeline.Deps{
		Catalogs:  catalogs,
		Selector:  selector.NewSelector(catalogs, llmClient, cache, pipelineConfig, logger),
		Analyzer:  intent.NewAnalyzer(llmClient, cache, pipelineConfig, logger),
		Generator: generator.NewGenerator(llmClient, cache, pipelineConfig, logger),
		Guard:     guard.NewGuard(logger),
		Runner:    executor.NewExecutor(pool, logger),
		Enricher:  enrich.NewEnricher(llmClient, cache, pipelineConfig, bizContext, logger),
		Auditor:   audit.NewRecorder(pool, logger),
		Metrics:   prometheusMetrics,
		Config:    pipelineConfig,
		Logger:    logger,
	})

	// 初始化中间件与路由
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	mwConfig := middleware.DefaultMiddlewareConfig(logger)
	middleware.SetupMiddleware(r, mwConfig)
	r.Use(prometheusMetrics.HTTPMetricsMiddleware())

	var authMiddleware handler.AuthMiddleware
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		authMiddleware = middleware.NewAuthMiddleware(secret, logger)
	} else {
		logger.Warn("未配置JWT_SECRET，接口未启用认证")
	}

	handler.SetupRoutes(r, &handler.RouterConfig{
		QueryHandler:   handler.NewQueryHandler(p, catalogs, logger),
		AuthMiddleware: authMiddleware,
		RateLimit:      middleware.RateLimitMiddleware(middleware.NewRateLimiter(mwConfig.RateLimit)),
		Metrics:        prometheusMetrics,
		Pool:           pool,
	})

	// 启动HTTP服务器
	srv := &http.Server{
		Addr:           ":" + config.GetEnvOrDefault("SERVER_PORT", "8080"),
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   150 * time.Second, // 要容纳整个管道超时
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("AskDB服务开始监听",
			zap.String("addr", srv.Addr),
			zap.String("mode", gin.Mode()))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("启动HTTP服务失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("开始关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务被强制关闭", zap.Error(err))
	} else {
		logger.Info("服务已优雅停止")
	}
}

// loadBizContext 读取业务背景文档
func loadBizContext(logger *zap.Logger) string {
	path := os.Getenv("BIZ_CONTEXT_FILE")
	if path == "" {
		return ""
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("读取业务背景文档失败", zap.String("path", path), zap.Error(err))
		return ""
	}
	logger.Info("业务背景文档加载完成", zap.Int("bytes", len(content)))
	return string(content)
}
