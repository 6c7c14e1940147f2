package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"askdb-go/internal/catalog"
	"askdb-go/internal/config"
	"askdb-go/internal/enrich"
	"askdb-go/internal/executor"
	"askdb-go/internal/generator"
	"askdb-go/internal/guard"
	"askdb-go/internal/intent"
	"askdb-go/internal/llm"
	"askdb-go/internal/progress"
	"askdb-go/internal/selector"
)

const clearIntent = `{"is_clear": true, "confidence": 0.9, "clarifying_questions": []}`

// scriptedCompleter 按调用顺序返回预设响应，并记录收到的提示词
type scriptedCompleter struct {
	script  []scriptStep
	prompts []string
}

type scriptStep struct {
	response string
	err      error
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.script) == 0 {
		return "", errors.New("脚本已耗尽")
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step.response, step.err
}

// blockingCompleter 阻塞到上下文取消为止
type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// scriptedRunner 按调用顺序返回预设结果，并记录收到的SQL
type scriptedRunner struct {
	script []runnerStep
	sqls   []string
}

type runnerStep struct {
	result *executor.Result
	err    error
}

func (r *scriptedRunner) Run(ctx context.Context, sql string, rowCap int) (*executor.Result, error) {
	r.sqls = append(r.sqls, sql)
	if len(r.script) == 0 {
		return nil, errors.New("执行脚本已耗尽")
	}
	step := r.script[0]
	r.script = r.script[1:]
	return step.result, step.err
}

func testPipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		SelectorEpsilon:           0.05,
		SelectorConfidenceFloor:   0.05,
		IntentConfidenceThreshold: 0.5,
		MaxCorrections:            2,
		DefaultRowLimit:           100,
		MaxRowLimit:               1000,
		SampleRows:                10,
		RequestTimeout:            30 * time.Second,
		StageTimeout:              10 * time.Second,
	}
}

func publicCatalog() *catalog.Catalog {
	return catalog.NewCatalog("public", []catalog.Entry{
		{Schema: "public", Table: "actor", Columns: []catalog.Column{
			{Name: "actor_id", DataType: "integer"},
			{Name: "first_name", DataType: "text"},
		}},
		{Schema: "public", Table: "film_actor", Columns: []catalog.Column{
			{Name: "film_id", DataType: "integer"},
			{Name: "actor_id", DataType: "integer"},
		}},
	})
}

func newTestPipeline(t *testing.T, catalogs map[string]*catalog.Catalog, completer llm.Completer, runner executor.Runner, withEnricher bool) *Pipeline {
	t.Helper()
	cfg := testPipelineConfig()
	cache := llm.NewResultCache(llm.DefaultCacheConfig(), zap.NewNop())
	t.Cleanup(cache.Stop)

	var enricher *enrich.Enricher
	if withEnricher {
		enricher = enrich.NewEnricher(completer, cache, cfg, "", zap.NewNop())
	}

	return NewPipeline(Deps{
		Catalogs:  catalogs,
		Selector:  selector.NewSelector(catalogs, completer, cache, cfg, zap.NewNop()),
		Analyzer:  intent.NewAnalyzer(completer, cache, cfg, zap.NewNop()),
		Generator: generator.NewGenerator(completer, cache, cfg, zap.NewNop()),
		Guard:     guard.NewGuard(zap.NewNop()),
		Runner:    runner,
		Enricher:  enricher,
		Config:    cfg,
		Logger:    zap.NewNop(),
	})
}

func actorResult(rows int) *executor.Result {
	result := &executor.Result{Columns: []string{"first_name", "cnt"}}
	names := []string{"GINA", "WALTER", "MARY", "MATTHEW", "SANDRA"}
	for i := 0; i < rows; i++ {
		result.Rows = append(result.Rows, []any{names[i%len(names)], int64(30 - i)})
	}
	result.RowCount = rows
	return result
}

func TestPipeline_SuccessfulRun(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name, count(*) AS cnt FROM actor JOIN film_actor ON actor.actor_id = film_actor.actor_id GROUP BY first_name ORDER BY cnt DESC"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(5)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	recorder := progress.NewRecorder()
	outcome, err := p.Run(context.Background(), Request{
		Question: "出演影片最多的前五位演员",
		RowCap:   5,
	}, recorder)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	assert.Nil(t, outcome.Clarification)

	// 缺失的LIMIT被守卫按请求上限补齐
	assert.True(t, strings.HasSuffix(outcome.Success.SQL, "LIMIT 5;"), "SQL应以LIMIT 5;结尾: %s", outcome.Success.SQL)
	assert.Equal(t, 1, outcome.Success.Attempts)
	assert.Equal(t, "public", outcome.Success.Schema)
	assert.LessOrEqual(t, outcome.Success.Result.RowCount, 5)

	// 执行器收到的是守卫净化后的SQL
	require.Len(t, runner.sqls, 1)
	assert.Equal(t, outcome.Success.SQL, runner.sqls[0])

	assert.Equal(t, []progress.Stage{
		progress.StageSelectingSchema,
		progress.StageAnalyzingIntent,
		progress.StageGeneratingSQL,
		progress.StageGuardingSQL,
		progress.StageExecutingSQL,
		progress.StageCompleted,
	}, recorder.Stages())
}

func TestPipeline_Clarification(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: `{"is_clear": false, "confidence": 0.2, "clarifying_questions": ["您想看哪个时间段？"]}`},
	}}
	runner := &scriptedRunner{}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	outcome, err := p.Run(context.Background(), Request{Question: "最近怎么样"}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Clarification)
	assert.Nil(t, outcome.Success)
	assert.Equal(t, []string{"您想看哪个时间段？"}, outcome.Clarification.Questions)

	// 澄清终点不生成也不执行
	assert.Empty(t, runner.sqls)
}

func TestPipeline_GuardRejectionTriggersCorrection(t *testing.T) {
	// 第一次生成夹带DROP，守卫拦截后走纠错，第二次生成通过
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name FROM actor; DROP TABLE actor"},
		{response: "SELECT first_name FROM actor LIMIT 5"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(5)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	recorder := progress.NewRecorder()
	outcome, err := p.Run(context.Background(), Request{Question: "列出演员"}, recorder)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	assert.Equal(t, 2, outcome.Success.Attempts)

	// 被拦截的SQL从未到达执行器
	require.Len(t, runner.sqls, 1)
	assert.NotContains(t, runner.sqls[0], "DROP")

	// 纠错提示词携带拦截原因
	correctionPrompt := completer.prompts[len(completer.prompts)-1]
	assert.Contains(t, correctionPrompt, "关键字")

	assert.Contains(t, recorder.Stages(), progress.StageCorrecting)
}

func TestPipeline_ExecutionErrorCorrectedOnce(t *testing.T) {
	dbErr := &executor.QueryError{SQL: "bad", Err: errors.New(`relation "flim_actor" does not exist`)}
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT film_id FROM flim_actor"},
		{response: "SELECT film_id FROM film_actor"},
	}}
	// 两个表名都在目录里，失败发生在执行期而不是守卫
	cat := catalog.NewCatalog("public", []catalog.Entry{
		{Schema: "public", Table: "flim_actor", Columns: []catalog.Column{{Name: "film_id", DataType: "integer"}}},
		{Schema: "public", Table: "film_actor", Columns: []catalog.Column{{Name: "film_id", DataType: "integer"}}},
	})
	runner := &scriptedRunner{script: []runnerStep{
		{err: dbErr},
		{result: actorResult(3)},
	}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": cat}, completer, runner, false)

	outcome, err := p.Run(context.Background(), Request{Question: "每部影片的演员数"}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	assert.Equal(t, 2, outcome.Success.Attempts)

	// 恰好一次纠错，且纠错提示词嵌入数据库错误原文
	require.Len(t, completer.prompts, 3)
	assert.Contains(t, completer.prompts[2], `relation "flim_actor" does not exist`)
	assert.Len(t, runner.sqls, 2)
}

func TestPipeline_RetryBudgetExhausted(t *testing.T) {
	dbErr := &executor.QueryError{SQL: "bad", Err: errors.New("syntax error at or near FROM")}
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name FROM actor"},
		{response: "SELECT first_name FROM actor"},
		{response: "SELECT first_name FROM actor"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{err: dbErr}, {err: dbErr}, {err: dbErr}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	recorder := progress.NewRecorder()
	_, err := p.Run(context.Background(), Request{Question: "列出演员"}, recorder)
	require.Error(t, err)
	assert.Equal(t, KindRetryBudgetExhausted, KindOf(err))

	// MaxCorrections=2意味着最多3次生成
	assert.Len(t, runner.sqls, 3)
	assert.Equal(t, progress.StageError, recorder.Stages()[len(recorder.Stages())-1])
}

func TestPipeline_SchemaFallbackOnUnknownTable(t *testing.T) {
	sales := catalog.NewCatalog("sales", []catalog.Entry{
		{Schema: "sales", Table: "orders", Columns: []catalog.Column{
			{Name: "order_id", DataType: "integer"},
			{Name: "customer_name", DataType: "text"},
			{Name: "amount", DataType: "numeric"},
		}},
	})
	hr := catalog.NewCatalog("hr", []catalog.Entry{
		{Schema: "hr", Table: "employees", Columns: []catalog.Column{
			{Name: "employee_id", DataType: "integer"},
		}},
	})

	// 词元重叠让sales胜出；但生成的SQL引用hr的表，回退后在hr成功
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT * FROM employees"},
		{response: "SELECT employee_id FROM employees"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: &executor.Result{
		Columns: []string{"employee_id"}, Rows: [][]any{{int64(1)}}, RowCount: 1,
	}}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"sales": sales, "hr": hr}, completer, runner, false)

	outcome, err := p.Run(context.Background(), Request{Question: "customer orders amount"}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	assert.Equal(t, "hr", outcome.Success.Schema)
	assert.Equal(t, 2, outcome.Success.Attempts)
}

func TestPipeline_ParseErrorCorrected(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "抱歉我做不到"},
		{response: "SELECT first_name FROM actor LIMIT 5"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(2)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	outcome, err := p.Run(context.Background(), Request{Question: "列出演员"}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	assert.Equal(t, 2, outcome.Success.Attempts)
}

func TestPipeline_UpstreamUnavailable(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{err: errors.Join(llm.ErrUpstreamUnavailable, errors.New("status 503"))},
	}}
	runner := &scriptedRunner{}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	_, err := p.Run(context.Background(), Request{Question: "列出演员"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.Empty(t, runner.sqls)
}

func TestPipeline_Timeout(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.RequestTimeout = 20 * time.Millisecond

	cache := llm.NewResultCache(llm.DefaultCacheConfig(), zap.NewNop())
	t.Cleanup(cache.Stop)
	catalogs := map[string]*catalog.Catalog{"public": publicCatalog()}
	completer := blockingCompleter{}

	p := NewPipeline(Deps{
		Catalogs:  catalogs,
		Selector:  selector.NewSelector(catalogs, completer, cache, cfg, zap.NewNop()),
		Analyzer:  intent.NewAnalyzer(completer, cache, cfg, zap.NewNop()),
		Generator: generator.NewGenerator(completer, cache, cfg, zap.NewNop()),
		Guard:     guard.NewGuard(zap.NewNop()),
		Runner:    &scriptedRunner{},
		Config:    cfg,
		Logger:    zap.NewNop(),
	})

	_, err := p.Run(context.Background(), Request{Question: "列出演员"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestPipeline_EnrichmentAttached(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name, count(*) AS cnt FROM actor GROUP BY first_name"},
		{response: "头部演员出演集中。\n- 建议扩大片单"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(3)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, true)

	outcome, err := p.Run(context.Background(), Request{Question: "演员出演统计", Enrich: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	require.NotNil(t, outcome.Success.Enrichment)
	assert.NotEmpty(t, outcome.Success.Enrichment.Insights)
	require.NotNil(t, outcome.Success.Enrichment.Chart)
	assert.Equal(t, "bar", outcome.Success.Enrichment.Chart.Type)
}

func TestPipeline_EnrichmentFailureIsNotFatal(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name, count(*) AS cnt FROM actor GROUP BY first_name"},
		{err: errors.New("status 503")},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(3)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, true)

	outcome, err := p.Run(context.Background(), Request{Question: "演员出演统计", Enrich: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Success)
	require.NotNil(t, outcome.Success.Enrichment)
	assert.Empty(t, outcome.Success.Enrichment.Insights)
}

func TestPipeline_NoSchemasConfigured(t *testing.T) {
	p := newTestPipeline(t, map[string]*catalog.Catalog{}, &scriptedCompleter{}, &scriptedRunner{}, false)

	_, err := p.Run(context.Background(), Request{Question: "问题"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindSchemaSelectionFailure, KindOf(err))
}

func TestPipeline_RowCapClamped(t *testing.T) {
	completer := &scriptedCompleter{script: []scriptStep{
		{response: clearIntent},
		{response: "SELECT first_name FROM actor"},
	}}
	runner := &scriptedRunner{script: []runnerStep{{result: actorResult(1)}}}
	p := newTestPipeline(t, map[string]*catalog.Catalog{"public": publicCatalog()}, completer, runner, false)

	outcome, err := p.Run(context.Background(), Request{Question: "列出演员", RowCap: 999999}, nil)
	require.NoError(t, err)
	// 超过硬上限的row_cap被收敛到MaxRowLimit
	assert.True(t, strings.HasSuffix(outcome.Success.SQL, "LIMIT 1000;"), outcome.Success.SQL)
}
