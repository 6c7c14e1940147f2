package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"askdb-go/internal/config"
)

// fakeModel 按预设序列逐次返回响应或错误
type fakeModel struct {
	outcomes []fakeOutcome
	calls    int
}

type fakeOutcome struct {
	text string
	err  error
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	outcome := m.outcomes[m.calls]
	m.calls++
	if outcome.err != nil {
		return nil, outcome.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: outcome.text}},
	}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	response, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)})
	if err != nil {
		return "", err
	}
	return response.Choices[0].Content, nil
}

func testLLMConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Provider:       config.ProviderOpenAI,
		Model:          "gpt-4o-mini",
		Temperature:    0.1,
		MaxTokens:      800,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
	}
}

func newTestClient(model llms.Model) (*Client, *[]time.Duration) {
	client := NewClientWithModel(model, testLLMConfig(), zap.NewNop())
	var sleeps []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return client, &sleeps
}

func TestClient_Complete(t *testing.T) {
	t.Run("首次成功直接返回", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{{text: "SELECT 1;"}}}
		client, sleeps := newTestClient(model)

		text, err := client.Complete(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1;", text)
		assert.Equal(t, 1, model.calls)
		assert.Empty(t, *sleeps)
	})

	t.Run("瞬时错误按指数退避重试后成功", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{
			{err: errors.New("status 503: service unavailable")},
			{err: errors.New("status 429: rate limited")},
			{text: "SELECT 1;"},
		}}
		client, sleeps := newTestClient(model)

		text, err := client.Complete(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1;", text)
		assert.Equal(t, 3, model.calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
	})

	t.Run("重试预算耗尽返回不可用错误", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{
			{err: errors.New("status 500")},
			{err: errors.New("status 502")},
			{err: errors.New("status 503")},
		}}
		client, _ := newTestClient(model)

		_, err := client.Complete(context.Background(), "prompt")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
		assert.Equal(t, 3, model.calls)
	})

	t.Run("非429的4xx不重试", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{
			{err: errors.New("status 401: invalid api key")},
		}}
		client, sleeps := newTestClient(model)

		_, err := client.Complete(context.Background(), "prompt")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
		assert.Equal(t, 1, model.calls)
		assert.Empty(t, *sleeps)
	})

	t.Run("调用方取消直接透传", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{
			{err: errors.New("status 503")},
			{text: "不应该到达"},
		}}
		client := NewClientWithModel(model, testLLMConfig(), zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		client.sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := client.Complete(ctx, "prompt")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, model.calls)
	})

	t.Run("空响应视为错误", func(t *testing.T) {
		model := &fakeModel{outcomes: []fakeOutcome{
			{text: ""}, {text: ""}, {text: ""},
		}}
		client, _ := newTestClient(model)

		_, err := client.Complete(context.Background(), "prompt")
		require.Error(t, err)
	})
}

func TestIsTransportRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"429可重试", errors.New("status 429: too many requests"), true},
		{"500可重试", errors.New("status 500: internal"), true},
		{"503可重试", errors.New("status 503"), true},
		{"400不可重试", errors.New("status 400: bad request"), false},
		{"401不可重试", errors.New("status 401"), false},
		{"404不可重试", errors.New("status 404"), false},
		{"超时可重试", context.DeadlineExceeded, true},
		{"网络抖动可重试", errors.New("connection reset by peer"), true},
		{"限速关键词可重试", errors.New("rate limit exceeded"), true},
		{"普通错误不可重试", errors.New("invalid prompt"), false},
		{"nil不可重试", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, isTransportRetryable(tc.err))
		})
	}
}
