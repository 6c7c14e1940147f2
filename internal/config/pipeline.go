package config

import (
	"strconv"
	"strings"
	"time"
)

// PipelineConfig 查询管道配置
// 覆盖调度阈值、重试预算、行数上限与各级超时
type PipelineConfig struct {
	// Schema选择
	SelectorEpsilon         float64 `json:"selector_epsilon"`          // 前两名分差小于该值时升级到LLM决断
	SelectorConfidenceFloor float64 `json:"selector_confidence_floor"` // 最高分低于该值时升级到LLM决断

	// 意图分析
	IntentConfidenceThreshold float64 `json:"intent_confidence_threshold"` // 低于该置信度时要求澄清

	// 重试预算
	MaxCorrections int `json:"max_corrections"` // 首次生成之外允许的纠错次数

	// 行数上限
	DefaultRowLimit int `json:"default_row_limit"` // SQL缺少LIMIT时注入的默认值
	MaxRowLimit     int `json:"max_row_limit"`     // LIMIT允许的最大值，超出则钳制

	// 结果采样
	SampleRows int `json:"sample_rows"` // 洞察与图表判定使用的采样行数

	// 超时
	RequestTimeout time.Duration `json:"request_timeout"` // 整个请求的总超时
	StageTimeout   time.Duration `json:"stage_timeout"`   // 单个阶段（LLM或DB调用）的超时

	// 缓存TTL（按阶段区分，SQL生成比洞察更稳定所以更长）
	GenerationTTL time.Duration `json:"generation_ttl"`
	IntentTTL     time.Duration `json:"intent_ttl"`
	InsightsTTL   time.Duration `json:"insights_ttl"`

	// 租户允许的schema列表
	AllowedSchemas []string `json:"allowed_schemas"`
}

// DefaultPipelineConfig 默认管道配置
func DefaultPipelineConfig() *PipelineConfig {
	cfg := &PipelineConfig{
		SelectorEpsilon:           0.05,
		SelectorConfidenceFloor:   0.05,
		IntentConfidenceThreshold: 0.5,
		MaxCorrections:            2,
		DefaultRowLimit:           100,
		MaxRowLimit:               1000,
		SampleRows:                10,
		RequestTimeout:            120 * time.Second,
		StageTimeout:              45 * time.Second,
		GenerationTTL:             time.Hour,
		IntentTTL:                 30 * time.Minute,
		InsightsTTL:               10 * time.Minute,
		AllowedSchemas:            splitSchemas(GetEnvOrDefault("ALLOWED_SCHEMAS", "public")),
	}

	if v, err := strconv.Atoi(GetEnvOrDefault("PIPELINE_MAX_CORRECTIONS", "")); err == nil && v >= 0 {
		cfg.MaxCorrections = v
	}
	if v, err := strconv.Atoi(GetEnvOrDefault("PIPELINE_DEFAULT_ROW_LIMIT", "")); err == nil && v > 0 {
		cfg.DefaultRowLimit = v
	}
	if v, err := strconv.Atoi(GetEnvOrDefault("PIPELINE_MAX_ROW_LIMIT", "")); err == nil && v > 0 {
		cfg.MaxRowLimit = v
	}

	return cfg
}

func splitSchemas(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
