// Package intent 问题意图分析
// 判断问题是否足够明确，不明确时给出澄清问题而不是硬着头皮生成SQL
package intent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"askdb-go/internal/config"
	"askdb-go/internal/llm"
)

// Analysis 意图分析结论
type Analysis struct {
	IsClear             bool     `json:"is_clear"`             // 是否可直接生成SQL
	Confidence          float64  `json:"confidence"`           // 0到1的置信度
	ClarifyingQuestions []string `json:"clarifying_questions"` // 不明确时的澄清问题
}

// NeedsClarification 置信不足或模型判定不明确时需要向用户澄清
func (a *Analysis) NeedsClarification(threshold float64) bool {
	return !a.IsClear || a.Confidence < threshold
}

// Analyzer 意图分析器
type Analyzer struct {
	completer llm.Completer
	cache     *llm.ResultCache
	config    *config.PipelineConfig
	logger    *zap.Logger
}

// NewAnalyzer 创建意图分析器
func NewAnalyzer(completer llm.Completer, cache *llm.ResultCache, cfg *config.PipelineConfig, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{completer: completer, cache: cache, config: cfg, logger: logger}
}

// Analyze 分析问题意图
// 解析失败视为分析不可用，调用方决定是否放行
func (a *Analyzer) Analyze(ctx context.Context, question, schema, schemaSummary string) (*Analysis, error) {
	prompt, err := llm.BuildIntentPrompt(question, schemaSummary)
	if err != nil {
		return nil, fmt.Errorf("构造意图分析提示词失败: %w", err)
	}

	key := llm.Key(llm.KindIntent, schema, question, "")
	response, err := a.cache.GetOrCompute(ctx, llm.KindIntent, key, func(ctx context.Context) (string, error) {
		return a.completer.Complete(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	var analysis Analysis
	if err := llm.ParseJSON(response, &analysis); err != nil {
		return nil, fmt.Errorf("意图分析响应解析失败: %w", err)
	}

	// 置信度超界收敛到[0,1]
	if analysis.Confidence < 0 {
		analysis.Confidence = 0
	}
	if analysis.Confidence > 1 {
		analysis.Confidence = 1
	}

	a.logger.Debug("意图分析完成",
		zap.Bool("is_clear", analysis.IsClear),
		zap.Float64("confidence", analysis.Confidence),
		zap.Int("clarifying_questions", len(analysis.ClarifyingQuestions)))

	return &analysis, nil
}

// Threshold 返回判定澄清所用的置信度阈值
func (a *Analyzer) Threshold() float64 {
	return a.config.IntentConfidenceThreshold
}
