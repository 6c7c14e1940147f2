// 问答接口处理器
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"askdb-go/internal/catalog"
	"askdb-go/internal/pipeline"
	"askdb-go/internal/progress"
)

// QueryRequest 问答请求体
type QueryRequest struct {
	Question             string   `json:"question" binding:"required"`
	RowCap               int      `json:"row_cap"`
	Enrich               bool     `json:"enrich"`
	ConversationContext  string   `json:"conversation_context"`
	ClarificationAnswers []string `json:"clarification_answers"`
}

// QueryHandler 问答接口处理器
type QueryHandler struct {
	pipeline *pipeline.Pipeline
	catalogs map[string]*catalog.Catalog
	logger   *zap.Logger
}

// NewQueryHandler 创建问答处理器
func NewQueryHandler(p *pipeline.Pipeline, catalogs map[string]*catalog.Catalog, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{pipeline: p, catalogs: catalogs, logger: logger}
}

// Query 同步问答接口
// POST /api/v1/query
func (h *QueryHandler) Query(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	outcome, err := h.pipeline.Run(c.Request.Context(), req, progress.Nop())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildOutcomePayload(outcome))
}

// QueryStream 流式问答接口，progress事件后跟终态载荷
// POST /api/v1/query/stream
func (h *QueryHandler) QueryStream(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	emitter := progress.NewChannelEmitter(64)

	type runResult struct {
		outcome *pipeline.Outcome
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		outcome, err := h.pipeline.Run(c.Request.Context(), req, emitter)
		emitter.Close()
		done <- runResult{outcome: outcome, err: err}
	}()

	for event := range emitter.Events() {
		writeSSE(c, "progress", event)
	}

	result := <-done
	if result.err != nil {
		writeSSE(c, "error", gin.H{
			"error_kind": string(pipeline.KindOf(result.err)),
			"message":    result.err.Error(),
		})
		return
	}
	writeSSE(c, "result", buildOutcomePayload(result.outcome))
}

// ListSchemas 返回可用schema与各自的表清单
// GET /api/v1/schemas
func (h *QueryHandler) ListSchemas(c *gin.Context) {
	names := make([]string, 0, len(h.catalogs))
	for name := range h.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]gin.H, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, gin.H{
			"schema": name,
			"tables": h.catalogs[name].TableNames(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"schemas": schemas})
}

// bindRequest 解析并规整请求体
func (h *QueryHandler) bindRequest(c *gin.Context) (pipeline.Request, bool) {
	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":     "error",
			"error_kind": "BAD_REQUEST",
			"message":    "请求体无效: " + err.Error(),
		})
		return pipeline.Request{}, false
	}

	question := strings.TrimSpace(body.Question)
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":     "error",
			"error_kind": "BAD_REQUEST",
			"message":    "question不能为空",
		})
		return pipeline.Request{}, false
	}

	// 带澄清回答重问时，把回答并入问题重建完整语义
	if len(body.ClarificationAnswers) > 0 {
		var b strings.Builder
		b.WriteString(question)
		b.WriteString("\n补充说明:")
		for _, answer := range body.ClarificationAnswers {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(answer))
		}
		question = b.String()
	}

	return pipeline.Request{
		RequestID:           c.GetString("request_id"),
		TenantID:            c.GetString("tenant_id"),
		Question:            question,
		RowCap:              body.RowCap,
		Enrich:              body.Enrich,
		ConversationContext: body.ConversationContext,
	}, true
}

// writeError 把管道错误映射为HTTP响应
func (h *QueryHandler) writeError(c *gin.Context, err error) {
	kind := pipeline.KindOf(err)
	h.logger.Warn("问答请求失败",
		zap.String("error_kind", string(kind)),
		zap.String("request_id", c.GetString("request_id")),
		zap.Error(err))

	c.JSON(statusForKind(kind), gin.H{
		"status":     "error",
		"error_kind": string(kind),
		"message":    err.Error(),
	})
}

// statusForKind 错误类别到HTTP状态码
func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case pipeline.KindSchemaSelectionFailure,
		pipeline.KindGenerationParseError,
		pipeline.KindGuardRejection,
		pipeline.KindExecutionError,
		pipeline.KindRetryBudgetExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// buildOutcomePayload 终态载荷：澄清或成功
func buildOutcomePayload(outcome *pipeline.Outcome) gin.H {
	if outcome.Clarification != nil {
		return gin.H{
			"status":               "needs_clarification",
			"clarifying_questions": outcome.Clarification.Questions,
			"confidence":           outcome.Clarification.Confidence,
		}
	}

	success := outcome.Success
	payload := gin.H{
		"status":      "success",
		"schema_used": success.Schema,
		"sql":         success.SQL,
		"columns":     success.Result.Columns,
		"rows":        success.Result.Rows,
		"row_count":   success.Result.RowCount,
		"truncated":   success.Result.Truncated,
		"attempts":    success.Attempts,
	}
	if success.Enrichment != nil {
		if success.Enrichment.Insights != "" {
			payload["insights"] = success.Enrichment.Insights
		}
		if success.Enrichment.Chart != nil {
			payload["chart"] = success.Enrichment.Chart
		}
	}
	return payload
}

// writeSSE 写出一条SSE事件并立即刷出
func writeSSE(c *gin.Context, event string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, encoded)
	c.Writer.Flush()
}
