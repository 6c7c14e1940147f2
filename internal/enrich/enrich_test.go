package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"askdb-go/internal/config"
	"askdb-go/internal/executor"
	"askdb-go/internal/llm"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestEnricher(t *testing.T, completer llm.Completer) *Enricher {
	t.Helper()
	cache := llm.NewResultCache(llm.DefaultCacheConfig(), zap.NewNop())
	t.Cleanup(cache.Stop)
	cfg := &config.PipelineConfig{SampleRows: 10}
	return NewEnricher(completer, cache, cfg, "影片租赁业务", zap.NewNop())
}

func twoColumnResult() *executor.Result {
	return &executor.Result{
		Columns: []string{"name", "total"},
		Rows: [][]any{
			{"alice", int64(12)},
			{"bob", int64(7)},
		},
		RowCount: 2,
	}
}

func TestBuildChartSpec(t *testing.T) {
	t.Run("两列且第二列全数值给出柱状图", func(t *testing.T) {
		chart := BuildChartSpec("销量前二", twoColumnResult(), 10)
		require.NotNil(t, chart)
		assert.Equal(t, "bar", chart.Type)
		assert.Equal(t, "name", chart.XField)
		assert.Equal(t, "total", chart.YField)
		assert.Equal(t, "销量前二", chart.Title)
	})

	t.Run("问题为空时用列名拼标题", func(t *testing.T) {
		chart := BuildChartSpec("", twoColumnResult(), 10)
		require.NotNil(t, chart)
		assert.Equal(t, "total 按 name", chart.Title)
	})

	t.Run("三列不出图", func(t *testing.T) {
		result := &executor.Result{
			Columns: []string{"a", "b", "c"},
			Rows:    [][]any{{"x", int64(1), int64(2)}},
		}
		assert.Nil(t, BuildChartSpec("问题", result, 10))
	})

	t.Run("第二列包含非数值不出图", func(t *testing.T) {
		result := &executor.Result{
			Columns: []string{"name", "city"},
			Rows:    [][]any{{"alice", "beijing"}},
		}
		assert.Nil(t, BuildChartSpec("问题", result, 10))
	})

	t.Run("空结果不出图", func(t *testing.T) {
		result := &executor.Result{Columns: []string{"name", "total"}}
		assert.Nil(t, BuildChartSpec("问题", result, 10))
	})

	t.Run("数值字符串也算数值", func(t *testing.T) {
		result := &executor.Result{
			Columns: []string{"name", "amount"},
			Rows:    [][]any{{"alice", "12.50"}},
		}
		assert.NotNil(t, BuildChartSpec("问题", result, 10))
	})

	t.Run("只抽样前N行判断数值", func(t *testing.T) {
		result := &executor.Result{
			Columns: []string{"name", "total"},
			Rows: [][]any{
				{"a", int64(1)},
				{"b", int64(2)},
				{"c", "不是数"},
			},
		}
		assert.NotNil(t, BuildChartSpec("问题", result, 2))
		assert.Nil(t, BuildChartSpec("问题", result, 10))
	})
}

func TestEnricher_Enrich(t *testing.T) {
	t.Run("洞察与图表同时生成", func(t *testing.T) {
		completer := &fakeCompleter{response: "销量集中在头部演员。\n- 建议关注腰部演员"}
		e := newTestEnricher(t, completer)

		enrichment := e.Enrich(context.Background(), "销量前二", "public", twoColumnResult())
		assert.Equal(t, "销量集中在头部演员。\n- 建议关注腰部演员", enrichment.Insights)
		require.NotNil(t, enrichment.Chart)
		assert.Equal(t, "bar", enrichment.Chart.Type)
	})

	t.Run("洞察失败不影响图表", func(t *testing.T) {
		completer := &fakeCompleter{err: errors.New("status 503")}
		e := newTestEnricher(t, completer)

		enrichment := e.Enrich(context.Background(), "销量前二", "public", twoColumnResult())
		assert.Empty(t, enrichment.Insights)
		assert.NotNil(t, enrichment.Chart)
	})

	t.Run("空结果跳过洞察", func(t *testing.T) {
		completer := &fakeCompleter{response: "不应被调用"}
		e := newTestEnricher(t, completer)

		enrichment := e.Enrich(context.Background(), "问题", "public", &executor.Result{Columns: []string{"a"}})
		assert.Empty(t, enrichment.Insights)
		assert.Zero(t, completer.calls)
	})

	t.Run("相同问题与结果形状命中缓存", func(t *testing.T) {
		completer := &fakeCompleter{response: "洞察"}
		e := newTestEnricher(t, completer)

		e.Enrich(context.Background(), "销量前二", "public", twoColumnResult())
		e.Enrich(context.Background(), "销量前二", "public", twoColumnResult())
		assert.Equal(t, 1, completer.calls)
	})
}
