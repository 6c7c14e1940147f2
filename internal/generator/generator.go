// Package generator 自然语言到SQL的生成与纠错
package generator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"askdb-go/internal/config"
	"askdb-go/internal/llm"
)

// ErrParse LLM响应中提取不出SELECT语句
var ErrParse = errors.New("SQL生成结果无法解析")

// Generator SQL生成器
type Generator struct {
	completer llm.Completer
	cache     *llm.ResultCache
	config    *config.PipelineConfig
	logger    *zap.Logger
}

// NewGenerator 创建SQL生成器
func NewGenerator(completer llm.Completer, cache *llm.ResultCache, cfg *config.PipelineConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{completer: completer, cache: cache, config: cfg, logger: logger}
}

// Generate 首次生成SQL
// 相同问题与上下文命中缓存时直接返回，不再走LLM
func (g *Generator) Generate(ctx context.Context, question, schema, schemaSummary, conversationContext string, rowLimit int) (string, error) {
	prompt, err := llm.BuildGenerationPrompt(question, schemaSummary, conversationContext, rowLimit)
	if err != nil {
		return "", fmt.Errorf("构造SQL生成提示词失败: %w", err)
	}

	key := llm.Key(llm.KindGeneration, schema, question, conversationContext)
	response, err := g.cache.GetOrCompute(ctx, llm.KindGeneration, key, func(ctx context.Context) (string, error) {
		return g.completer.Complete(ctx, prompt)
	})
	if err != nil {
		return "", err
	}

	sql, err := llm.ParseSQL(response)
	if err != nil {
		// 解析不动的响应没有缓存价值
		g.cache.Invalidate(key)
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	g.logger.Debug("SQL生成完成",
		zap.String("schema", schema),
		zap.Int("sql_length", len(sql)))
	return sql, nil
}

// Correct 基于失败原因重新生成SQL
// 纠错结果依赖失败现场，不走缓存
func (g *Generator) Correct(ctx context.Context, question, schema, schemaSummary, failedSQL, failureReason string, history []string, rowLimit int) (string, error) {
	prompt, err := llm.BuildCorrectionPrompt(question, schemaSummary, failedSQL, failureReason, history, rowLimit)
	if err != nil {
		return "", fmt.Errorf("构造SQL纠错提示词失败: %w", err)
	}

	response, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	sql, err := llm.ParseSQL(response)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	g.logger.Debug("SQL纠错完成",
		zap.String("schema", schema),
		zap.Int("history", len(history)))
	return sql, nil
}
