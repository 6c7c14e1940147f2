// Package llm 文本补全协作方客户端
// 基于LangChainGo的统一接口，支持OpenAI、Anthropic、Ollama多提供商
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"askdb-go/internal/config"
)

// Completer 文本补全接口：prompt进，text出
// 管道各阶段只依赖该接口，便于测试替身
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrUpstreamUnavailable 传输层重试预算耗尽
var ErrUpstreamUnavailable = errors.New("文本补全服务不可用")

// Client 带传输层重试的LLM客户端
type Client struct {
	model    llms.Model
	config   *config.LLMConfig
	logger   *zap.Logger
	observer Observer

	// 测试注入点：默认time.Sleep语义
	sleep func(ctx context.Context, d time.Duration) error
}

// SetObserver 注册调用结果上报器
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

func (c *Client) report(outcome string) {
	if c.observer != nil {
		c.observer.RecordLLMCall(outcome)
	}
}

// NewClient 创建LLM客户端
func NewClient(cfg *config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := createProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建LLM提供商 %s 失败: %w", cfg.Provider, err)
	}

	return &Client{
		model:  model,
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

// NewClientWithModel 使用现成模型实例创建客户端（测试用）
func NewClientWithModel(model llms.Model, cfg *config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{model: model, config: cfg, logger: logger, sleep: sleepCtx}
}

// createProvider 创建特定提供商的模型实例
func createProvider(cfg *config.LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case config.ProviderAnthropic:
		return anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("不支持的模型提供商: %s", cfg.Provider)
	}
}

// Complete 执行一次补全，传输层失败按指数退避重试
// 退避序列 1s/2s/4s，最多MaxAttempts次；非429的4xx不重试
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		text, err := c.callOnce(reqCtx, prompt)
		cancel()

		if err == nil {
			c.report("success")
			return text, nil
		}
		lastErr = err

		// 调用方取消直接透传
		if ctx.Err() != nil {
			c.report("canceled")
			return "", ctx.Err()
		}

		if !isTransportRetryable(err) {
			c.logger.Warn("LLM调用失败且不可重试",
				zap.Int("attempt", attempt),
				zap.Error(err))
			c.report("error")
			return "", err
		}

		if attempt < c.config.MaxAttempts {
			c.logger.Warn("LLM调用失败，准备重试",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := c.sleep(ctx, backoff); err != nil {
				c.report("canceled")
				return "", err
			}
			backoff *= 2
		}
	}

	c.report("exhausted")
	return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// callOnce 单次补全调用
func (c *Client) callOnce(ctx context.Context, prompt string) (string, error) {
	response, err := c.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, prompt),
		},
		llms.WithTemperature(c.config.Temperature),
		llms.WithMaxTokens(c.config.MaxTokens),
	)
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 || response.Choices[0].Content == "" {
		return "", fmt.Errorf("LLM返回空响应")
	}
	return response.Choices[0].Content, nil
}

var statusCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// isTransportRetryable 判断传输层错误是否可重试
// 429、5xx、超时与网络抖动可重试；其余4xx直接失败
func isTransportRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())

	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code := m[1]
		if code == "429" {
			return true
		}
		if strings.HasPrefix(code, "5") {
			return true
		}
		return false
	}

	for _, keyword := range []string{"rate limit", "timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// sleepCtx 可被取消的休眠
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
