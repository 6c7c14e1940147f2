package config

import (
	"os"
	"strconv"
	"time"
)

// LLMProvider 模型提供商类型
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOllama    LLMProvider = "ollama"
)

// LLMConfig 文本补全协作方配置
type LLMConfig struct {
	Provider    LLMProvider   `json:"provider"`    // 提供商
	Model       string        `json:"model"`       // 模型名称
	APIKey      string        `json:"-"`           // API密钥（不输出到JSON）
	BaseURL     string        `json:"base_url"`    // 自定义服务地址（Ollama/代理）
	Temperature float64       `json:"temperature"` // 温度参数
	MaxTokens   int           `json:"max_tokens"`  // 最大令牌数
	Timeout     time.Duration `json:"timeout"`     // 单次请求超时

	// 传输层重试：429/5xx/超时按指数退避重试，4xx直接失败
	MaxAttempts    int           `json:"max_attempts"`    // 含首次调用的最大尝试数
	InitialBackoff time.Duration `json:"initial_backoff"` // 首次退避时长，之后翻倍
}

// DefaultLLMConfig 从环境变量构建LLM配置
func DefaultLLMConfig() *LLMConfig {
	cfg := &LLMConfig{
		Provider:       LLMProvider(GetEnvOrDefault("LLM_PROVIDER", "openai")),
		Model:          GetEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		APIKey:         os.Getenv("LLM_API_KEY"),
		BaseURL:        os.Getenv("LLM_BASE_URL"),
		Temperature:    0.1,
		MaxTokens:      800,
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
	}

	if v, err := strconv.ParseFloat(GetEnvOrDefault("LLM_TEMPERATURE", ""), 64); err == nil {
		cfg.Temperature = v
	}
	if v, err := strconv.Atoi(GetEnvOrDefault("LLM_MAX_TOKENS", "")); err == nil && v > 0 {
		cfg.MaxTokens = v
	}

	return cfg
}
