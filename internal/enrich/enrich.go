// Package enrich 查询结果的增值处理
// 生成业务洞察与图表建议；任何增值失败都不影响查询结果本身
package enrich

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"askdb-go/internal/config"
	"askdb-go/internal/executor"
	"askdb-go/internal/llm"
)

// Enrichment 增值结果，两个字段都可能为空
type Enrichment struct {
	Insights string     `json:"insights,omitempty"`
	Chart    *ChartSpec `json:"chart,omitempty"`
}

// Enricher 结果增值器
type Enricher struct {
	completer llm.Completer
	cache     *llm.ResultCache
	config    *config.PipelineConfig
	logger    *zap.Logger

	// 业务背景文档，随洞察提示词下发
	bizContext string
}

// NewEnricher 创建结果增值器
func NewEnricher(completer llm.Completer, cache *llm.ResultCache, cfg *config.PipelineConfig, bizContext string, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		completer:  completer,
		cache:      cache,
		config:     cfg,
		bizContext: bizContext,
		logger:     logger,
	}
}

// Enrich 为查询结果生成洞察与图表
// 洞察失败只记录日志，返回值中对应字段为空
func (e *Enricher) Enrich(ctx context.Context, question, schema string, result *executor.Result) *Enrichment {
	enrichment := &Enrichment{
		Chart: BuildChartSpec(question, result, e.config.SampleRows),
	}

	insights, err := e.generateInsights(ctx, question, schema, result)
	if err != nil {
		e.logger.Warn("洞察生成失败，跳过",
			zap.String("schema", schema),
			zap.Error(err))
	} else {
		enrichment.Insights = insights
	}
	return enrichment
}

// generateInsights 基于抽样行生成业务洞察
func (e *Enricher) generateInsights(ctx context.Context, question, schema string, result *executor.Result) (string, error) {
	if result == nil || len(result.Rows) == 0 {
		return "", nil
	}

	sample := result.Rows
	if e.config.SampleRows > 0 && len(sample) > e.config.SampleRows {
		sample = sample[:e.config.SampleRows]
	}

	prompt, err := llm.BuildInsightsPrompt(question, result.Columns, sample, e.bizContext)
	if err != nil {
		return "", fmt.Errorf("构造洞察提示词失败: %w", err)
	}

	// 同一问题在相同结果形状下共用洞察
	fingerprint := fmt.Sprintf("%s|%d", strings.Join(result.Columns, ","), result.RowCount)
	key := llm.Key(llm.KindInsights, schema, question, fingerprint)
	response, err := e.cache.GetOrCompute(ctx, llm.KindInsights, key, func(ctx context.Context) (string, error) {
		return e.completer.Complete(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}
