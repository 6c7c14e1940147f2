// Package pipeline 自然语言问答到SQL执行的编排器
// 串起schema选择、意图分析、SQL生成、安全守卫、执行与增值各阶段，
// 并在有限的纠错预算内驱动 生成→守卫→执行 循环
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"askdb-go/internal/audit"
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

// Request 一次问答请求
type Request struct {
	RequestID           string `json:"request_id"`
	TenantID            string `json:"tenant_id"`
	Question            string `json:"question"`
	RowCap              int    `json:"row_cap"` // 0表示使用默认上限
	Enrich              bool   `json:"enrich"`
	ConversationContext string `json:"conversation_context"`
}

// Clarification 问题不明确时的澄清结论
type Clarification struct {
	Questions  []string `json:"questions"`
	Confidence float64  `json:"confidence"`
}

// Success 成功执行的结论
type Success struct {
	Schema     string             `json:"schema_used"`
	SQL        string             `json:"sql"`
	Result     *executor.Result   `json:"result"`
	Attempts   int                `json:"attempts"`
	Enrichment *enrich.Enrichment `json:"enrichment,omitempty"`
}

// Outcome 管道的非错误终点，两个字段恰有一个非空
type Outcome struct {
	Clarification *Clarification `json:"clarification,omitempty"`
	Success       *Success       `json:"success,omitempty"`
}

// Metrics 管道上报指标的最小接口
type Metrics interface {
	RecordQueryOutcome(outcome string)
	RecordStageDuration(stage string, duration time.Duration)
	RecordGenerationAttempts(attempts int)
	RecordGuardRejection(code string)
	RecordRowsReturned(rows int)
}

type nopMetrics struct{}

func (nopMetrics) RecordQueryOutcome(string)                 {}
func (nopMetrics) RecordStageDuration(string, time.Duration) {}
func (nopMetrics) RecordGenerationAttempts(int)              {}
func (nopMetrics) RecordGuardRejection(string)               {}
func (nopMetrics) RecordRowsReturned(int)                    {}

// Pipeline 问答管道
type Pipeline struct {
	catalogs  map[string]*catalog.Catalog
	selector  *selector.Selector
	analyzer  *intent.Analyzer
	generator *generator.Generator
	guard     *guard.Guard
	runner    executor.Runner
	enricher  *enrich.Enricher
	auditor   *audit.Recorder
	metrics   Metrics
	config    *config.PipelineConfig
	logger    *zap.Logger
}

// Deps 管道的组件依赖
type Deps struct {
	Catalogs  map[string]*catalog.Catalog
	Selector  *selector.Selector
	Analyzer  *intent.Analyzer
	Generator *generator.Generator
	Guard     *guard.Guard
	Runner    executor.Runner
	Enricher  *enrich.Enricher
	Auditor   *audit.Recorder
	Metrics   Metrics
	Config    *config.PipelineConfig
	Logger    *zap.Logger
}

// NewPipeline 组装问答管道
func NewPipeline(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Pipeline{
		catalogs:  deps.Catalogs,
		selector:  deps.Selector,
		analyzer:  deps.Analyzer,
		generator: deps.Generator,
		guard:     deps.Guard,
		runner:    deps.Runner,
		enricher:  deps.Enricher,
		auditor:   deps.Auditor,
		metrics:   m,
		config:    deps.Config,
		logger:    logger,
	}
}

// Run 执行一次完整的问答管道
// 返回的Outcome要么是澄清要么是成功；错误一律是带类别的*Error
func (p *Pipeline) Run(ctx context.Context, req Request, emitter progress.Emitter) (*Outcome, error) {
	if emitter == nil {
		emitter = progress.Nop()
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	rowCap := p.effectiveRowCap(req.RowCap)

	outcome, err := p.run(ctx, req, rowCap, emitter)
	if err != nil {
		kind := KindOf(err)
		p.metrics.RecordQueryOutcome(string(kind))
		emitter.Emit(progress.Event{
			Stage: progress.StageError,
			Payload: map[string]any{
				"error_kind": string(kind),
				"message":    err.Error(),
			},
		})
		p.recordAudit(req, "", "", 0, 0, false, string(kind))
		return nil, err
	}

	if outcome.Clarification != nil {
		p.metrics.RecordQueryOutcome("clarification")
	} else {
		p.metrics.RecordQueryOutcome("success")
	}
	return outcome, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, rowCap int, emitter progress.Emitter) (*Outcome, error) {
	// 阶段一：schema选择
	emitter.Emit(progress.Event{Stage: progress.StageSelectingSchema})
	selection, err := p.selectSchema(ctx, req.Question)
	if err != nil {
		return nil, err
	}

	preferred := p.catalogs[selection.Preferred]
	summary := preferred.Summary(catalog.DefaultSummaryMaxChars)

	// 阶段二：意图分析
	emitter.Emit(progress.Event{Stage: progress.StageAnalyzingIntent})
	clarification, err := p.analyzeIntent(ctx, req.Question, selection.Preferred, summary)
	if err != nil {
		return nil, err
	}
	if clarification != nil {
		emitter.Emit(progress.Event{
			Stage:   progress.StageCompleted,
			Payload: map[string]any{"outcome": "clarification"},
		})
		return &Outcome{Clarification: clarification}, nil
	}

	// 阶段三：生成→守卫→执行的纠错循环
	success, err := p.correctionLoop(ctx, req, rowCap, selection, emitter)
	if err != nil {
		return nil, err
	}

	// 阶段四：增值，失败不影响结果
	if req.Enrich && p.enricher != nil {
		emitter.Emit(progress.Event{Stage: progress.StageEnriching})
		started := time.Now()
		success.Enrichment = p.enricher.Enrich(ctx, req.Question, success.Schema, success.Result)
		p.metrics.RecordStageDuration(string(progress.StageEnriching), time.Since(started))
	}

	emitter.Emit(progress.Event{
		Stage:   progress.StageCompleted,
		Attempt: success.Attempts,
		Payload: map[string]any{"outcome": "success", "row_count": success.Result.RowCount},
	})
	p.recordAudit(req, success.Schema, success.SQL, success.Result.RowCount, success.Result.Duration, true, "")
	return &Outcome{Success: success}, nil
}

// selectSchema 执行schema选择阶段
func (p *Pipeline) selectSchema(ctx context.Context, question string) (*selector.Selection, error) {
	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	selection, err := p.selector.Select(stageCtx, question)
	p.metrics.RecordStageDuration(string(progress.StageSelectingSchema), time.Since(started))
	if err != nil {
		if timeoutErr := p.asTimeout(ctx, err); timeoutErr != nil {
			return nil, timeoutErr
		}
		return nil, NewError(KindSchemaSelectionFailure, "schema选择失败", err)
	}
	return selection, nil
}

// analyzeIntent 执行意图分析阶段
// 分析服务不可用时放行生成，让后续阶段自行暴露问题
func (p *Pipeline) analyzeIntent(ctx context.Context, question, schema, summary string) (*Clarification, error) {
	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	analysis, err := p.analyzer.Analyze(stageCtx, question, schema, summary)
	p.metrics.RecordStageDuration(string(progress.StageAnalyzingIntent), time.Since(started))
	if err != nil {
		if timeoutErr := p.asTimeout(ctx, err); timeoutErr != nil {
			return nil, timeoutErr
		}
		if errors.Is(err, llm.ErrUpstreamUnavailable) {
			return nil, NewError(KindUpstreamUnavailable, "意图分析服务不可用", err)
		}
		p.logger.Warn("意图分析不可用，放行生成", zap.Error(err))
		return nil, nil
	}

	if analysis.NeedsClarification(p.analyzer.Threshold()) {
		p.logger.Info("问题不够明确，请求澄清",
			zap.Float64("confidence", analysis.Confidence),
			zap.Int("questions", len(analysis.ClarifyingQuestions)))
		return &Clarification{
			Questions:  analysis.ClarifyingQuestions,
			Confidence: analysis.Confidence,
		}, nil
	}
	return nil, nil
}

// correctionLoop 有限预算的 生成→守卫→执行 循环
// 守卫报未知表或跨schema且还有候选schema时，换下一个schema重新生成；
// 其余可纠错失败走纠错提示词，预算为MaxCorrections次纠错
func (p *Pipeline) correctionLoop(ctx context.Context, req Request, rowCap int, selection *selector.Selection, emitter progress.Emitter) (*Success, error) {
	var (
		attempts     int
		schemaIdx    int
		freshSchema  = true
		lastSQL      string
		lastReason   string
		history      []string
		maxAttempts  = p.config.MaxCorrections + 1
		lastExecErr  error
		lastExecKind = KindRetryBudgetExhausted
	)

	for attempts < maxAttempts {
		attempts++
		schemaName := selection.TryOrder[schemaIdx]
		cat := p.catalogs[schemaName]
		summary := cat.Summary(catalog.DefaultSummaryMaxChars)

		// 生成
		sql, err := p.generateSQL(ctx, req, summary, schemaName, freshSchema, lastSQL, lastReason, history, rowCap, attempts, emitter)
		if err != nil {
			if terminal := p.terminalGenerationError(ctx, err); terminal != nil {
				p.metrics.RecordGenerationAttempts(attempts)
				return nil, terminal
			}
			lastReason = err.Error()
			history = append(history, lastReason)
			lastExecErr, lastExecKind = err, KindGenerationParseError
			freshSchema = false
			emitter.Emit(progress.Event{
				Stage:   progress.StageCorrecting,
				Attempt: attempts,
				Payload: map[string]any{"reason": lastReason},
			})
			continue
		}
		freshSchema = false

		// 守卫
		emitter.Emit(progress.Event{Stage: progress.StageGuardingSQL, Attempt: attempts})
		verdict := p.guard.Check(sql, cat, rowCap)
		if !verdict.Allowed {
			for _, v := range verdict.Violations {
				p.metrics.RecordGuardRejection(string(v.Code))
			}
			lastSQL = sql
			lastReason = verdict.Reason()
			history = append(history, lastReason)
			lastExecErr = NewError(KindGuardRejection, verdict.Reason(), nil)
			lastExecKind = KindGuardRejection

			// 表归属问题优先换schema，而不是在错误的schema里纠错
			if (verdict.HasCode(guard.CodeUnknownTable) || verdict.HasCode(guard.CodeCrossSchema)) &&
				schemaIdx+1 < len(selection.TryOrder) {
				schemaIdx++
				freshSchema = true
				p.logger.Info("守卫拦截，回退到下一个候选schema",
					zap.String("next_schema", selection.TryOrder[schemaIdx]),
					zap.String("reason", lastReason))
			} else {
				emitter.Emit(progress.Event{
					Stage:   progress.StageCorrecting,
					Attempt: attempts,
					Payload: map[string]any{"reason": lastReason},
				})
			}
			continue
		}

		// 执行：到这一步SQL一定是守卫放行后的净化版本
		emitter.Emit(progress.Event{Stage: progress.StageExecutingSQL, Attempt: attempts})
		result, err := p.execute(ctx, verdict.SanitizedSQL, rowCap)
		if err != nil {
			if timeoutErr := p.asTimeout(ctx, err); timeoutErr != nil {
				p.metrics.RecordGenerationAttempts(attempts)
				return nil, timeoutErr
			}
			lastSQL = verdict.SanitizedSQL
			lastReason = err.Error()
			history = append(history, lastReason)
			lastExecErr, lastExecKind = err, KindExecutionError
			emitter.Emit(progress.Event{
				Stage:   progress.StageCorrecting,
				Attempt: attempts,
				Payload: map[string]any{"reason": lastReason},
			})
			continue
		}

		p.metrics.RecordGenerationAttempts(attempts)
		p.metrics.RecordRowsReturned(result.RowCount)
		p.logger.Info("管道执行成功",
			zap.String("schema", schemaName),
			zap.Int("attempts", attempts),
			zap.Int("row_count", result.RowCount))
		return &Success{
			Schema:   schemaName,
			SQL:      verdict.SanitizedSQL,
			Result:   result,
			Attempts: attempts,
		}, nil
	}

	p.metrics.RecordGenerationAttempts(attempts)
	return nil, NewError(KindRetryBudgetExhausted,
		fmt.Sprintf("纠错预算用尽（%d次生成），最近一次失败: %s（%s）", attempts, lastReason, lastExecKind),
		lastExecErr)
}

// generateSQL 执行一次SQL生成或纠错
func (p *Pipeline) generateSQL(ctx context.Context, req Request, summary, schemaName string, fresh bool, lastSQL, lastReason string, history []string, rowCap, attempt int, emitter progress.Emitter) (string, error) {
	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	var sql string
	var err error
	if fresh {
		emitter.Emit(progress.Event{Stage: progress.StageGeneratingSQL, Attempt: attempt, Payload: map[string]any{"schema": schemaName}})
		sql, err = p.generator.Generate(stageCtx, req.Question, schemaName, summary, req.ConversationContext, rowCap)
		p.metrics.RecordStageDuration(string(progress.StageGeneratingSQL), time.Since(started))
	} else {
		emitter.Emit(progress.Event{Stage: progress.StageGeneratingSQL, Attempt: attempt, Payload: map[string]any{"schema": schemaName, "correcting": true}})
		sql, err = p.generator.Correct(stageCtx, req.Question, schemaName, summary, lastSQL, lastReason, history, rowCap)
		p.metrics.RecordStageDuration(string(progress.StageCorrecting), time.Since(started))
	}
	return sql, err
}

// execute 在阶段超时内执行净化后的SQL
func (p *Pipeline) execute(ctx context.Context, sanitizedSQL string, rowCap int) (*executor.Result, error) {
	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	result, err := p.runner.Run(stageCtx, sanitizedSQL, rowCap)
	p.metrics.RecordStageDuration(string(progress.StageExecutingSQL), time.Since(started))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// terminalGenerationError 判断生成错误是否终止整个请求
// 解析错误可纠错；上游不可用与超时直接终止
func (p *Pipeline) terminalGenerationError(ctx context.Context, err error) error {
	if timeoutErr := p.asTimeout(ctx, err); timeoutErr != nil {
		return timeoutErr
	}
	if errors.Is(err, llm.ErrUpstreamUnavailable) {
		return NewError(KindUpstreamUnavailable, "SQL生成服务不可用", err)
	}
	if errors.Is(err, generator.ErrParse) {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, "请求被取消", err)
	}
	// 其他错误按不可用处理，避免无意义的纠错循环
	return NewError(KindUpstreamUnavailable, "SQL生成失败", err)
}

// asTimeout 请求级超时到期时把错误归为TIMEOUT
func (p *Pipeline) asTimeout(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewError(KindTimeout, "请求超时", err)
		}
		return NewError(KindTimeout, "请求被取消", err)
	}
	return nil
}

// effectiveRowCap 请求行数上限收敛到配置允许的范围
func (p *Pipeline) effectiveRowCap(requested int) int {
	if requested <= 0 {
		return p.config.DefaultRowLimit
	}
	if requested > p.config.MaxRowLimit {
		return p.config.MaxRowLimit
	}
	return requested
}

// recordAudit 写审计记录，auditor为nil时跳过
func (p *Pipeline) recordAudit(req Request, schema, sql string, rowCount int, duration time.Duration, succeeded bool, failureKind string) {
	if p.auditor == nil {
		return
	}
	p.auditor.Record(audit.Entry{
		RequestID:   req.RequestID,
		TenantID:    req.TenantID,
		Question:    req.Question,
		Schema:      schema,
		SQL:         sql,
		RowCount:    rowCount,
		Duration:    duration,
		Succeeded:   succeeded,
		FailureKind: failureKind,
	})
}
