// 管道各阶段的提示词模板
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

// 意图分析提示词模板
const intentAnalysisTemplate = `你是一名资深业务分析师。先验证schema是否支持问题，再评估问题清晰度。

## 📊 数据库结构信息
{{.DatabaseSchema}}

## 📝 用户问题
{{.UserQuery}}

## 📋 评估规则
1. 探索性查询（"列出xx"、"统计xx"、"top N"）可以直接接受
2. 缺少基准的对比、含糊的业务指标需要澄清
3. schema中不存在的数据不可臆造，降低置信度并给出澄清问题

## 📤 输出要求
只返回如下JSON，不包含其他文字：
{
  "is_clear": true,
  "confidence": 0.85,
  "clarifying_questions": []
}

confidence取值0到1；is_clear为false时clarifying_questions必须非空。`

// SQL生成提示词模板
const sqlGenerationTemplate = `你是一个专业的SQL查询生成专家，擅长将自然语言转换为准确的PostgreSQL查询语句。

## 📊 数据库结构信息
{{.DatabaseSchema}}

## 📝 用户查询
{{.UserQuery}}
{{.ConversationContext}}
## 📋 安全规则（必须严格遵守）
1. ✅ 只允许SELECT查询：禁止任何DELETE、UPDATE、INSERT、DROP、CREATE、ALTER、TRUNCATE操作
2. ✅ 只能使用上述结构中出现的表和字段，不得臆造表名
3. ✅ 禁止访问information_schema、pg_catalog等系统schema
4. ✅ 没有明确行数要求时，加上 LIMIT {{.RowLimit}}
5. ✅ 多表查询优先使用带PK/FK条件的INNER JOIN

## 📤 输出要求
只返回一条SQL语句，不包含解释、注释或代码围栏。

生成SQL：`

// SQL纠错提示词模板
const sqlCorrectionTemplate = `你生成的PostgreSQL查询执行失败，请根据错误信息修正。

## 📊 数据库结构信息
{{.DatabaseSchema}}

## 📝 原始问题
{{.UserQuery}}

## ❌ 失败的SQL
{{.FailedSQL}}

## 🔍 失败原因
{{.FailureReason}}
{{.ErrorHistory}}
## 📋 修正要求
1. 只允许SELECT查询，只使用结构中存在的表和字段
2. 保持原始问题的查询意图不变
3. 没有明确行数要求时，加上 LIMIT {{.RowLimit}}

## 📤 输出要求
只返回修正后的一条SQL语句，不包含解释或代码围栏。

修正SQL：`

// schema决断提示词模板
const schemaPickTemplate = `你需要从许可的schema中选出最匹配问题的一个。
只回答schema的准确名称（一个单词），不包含任何解释。

许可的schema: {{.Schemas}}
用户问题: {{.UserQuery}}

回答schema名称：`

// 洞察生成提示词模板
const insightsTemplate = `你是一名BI分析师。请用业务语言解读查询结果，避免不必要的技术术语，保持客观简洁。

## 💼 业务背景
{{.BizContext}}

## 📝 用户问题
{{.UserQuery}}

## 📊 数据预览（最多10行）
列: {{.Columns}}
{{.SampleRows}}

## 📤 输出要求
写一段不超过8行的要点总结，随后给出3条下一步建议，每条一行以"- "开头。`

var (
	intentPrompt     = prompts.NewPromptTemplate(intentAnalysisTemplate, []string{"DatabaseSchema", "UserQuery"})
	generationPrompt = prompts.NewPromptTemplate(sqlGenerationTemplate, []string{"DatabaseSchema", "UserQuery", "ConversationContext", "RowLimit"})
	correctionPrompt = prompts.NewPromptTemplate(sqlCorrectionTemplate, []string{"DatabaseSchema", "UserQuery", "FailedSQL", "FailureReason", "ErrorHistory", "RowLimit"})
	schemaPickPrompt = prompts.NewPromptTemplate(schemaPickTemplate, []string{"Schemas", "UserQuery"})
	insightsPrompt   = prompts.NewPromptTemplate(insightsTemplate, []string{"BizContext", "UserQuery", "Columns", "SampleRows"})
)

// BuildIntentPrompt 构建意图分析提示词
func BuildIntentPrompt(question, schemaSummary string) (string, error) {
	return intentPrompt.Format(map[string]any{
		"DatabaseSchema": schemaSummary,
		"UserQuery":      question,
	})
}

// BuildGenerationPrompt 构建SQL生成提示词
// conversationContext为调用方透传的历史对话，可为空
func BuildGenerationPrompt(question, schemaSummary, conversationContext string, rowLimit int) (string, error) {
	ctxBlock := ""
	if conversationContext != "" {
		ctxBlock = "\n## 💬 历史对话上下文\n" + conversationContext + "\n"
	}
	return generationPrompt.Format(map[string]any{
		"DatabaseSchema":      schemaSummary,
		"UserQuery":           question,
		"ConversationContext": ctxBlock,
		"RowLimit":            rowLimit,
	})
}

// BuildCorrectionPrompt 构建SQL纠错提示词
// history为本次请求中按序累计的历史失败原因
func BuildCorrectionPrompt(question, schemaSummary, failedSQL, failureReason string, history []string, rowLimit int) (string, error) {
	historyBlock := ""
	if len(history) > 1 {
		// 最后一条即本次失败原因，此处只列出更早的失败
		var b strings.Builder
		b.WriteString("\n## 📜 此前已失败的尝试\n")
		for i, h := range history[:len(history)-1] {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, h))
		}
		historyBlock = b.String()
	}
	return correctionPrompt.Format(map[string]any{
		"DatabaseSchema": schemaSummary,
		"UserQuery":      question,
		"FailedSQL":      failedSQL,
		"FailureReason":  failureReason,
		"ErrorHistory":   historyBlock,
		"RowLimit":       rowLimit,
	})
}

// BuildSchemaPickPrompt 构建schema决断提示词
func BuildSchemaPickPrompt(schemas []string, question string) (string, error) {
	return schemaPickPrompt.Format(map[string]any{
		"Schemas":   strings.Join(schemas, ", "),
		"UserQuery": question,
	})
}

// BuildInsightsPrompt 构建洞察生成提示词
func BuildInsightsPrompt(question string, columns []string, sampleRows [][]any, bizContext string) (string, error) {
	if bizContext == "" {
		bizContext = "（无业务背景文档）"
	}

	var rowsText strings.Builder
	for _, row := range sampleRows {
		encoded, err := json.Marshal(row)
		if err != nil {
			continue
		}
		rowsText.Write(encoded)
		rowsText.WriteString("\n")
	}

	return insightsPrompt.Format(map[string]any{
		"BizContext": bizContext,
		"UserQuery":  question,
		"Columns":    strings.Join(columns, ", "),
		"SampleRows": rowsText.String(),
	})
}
