// 管道错误分类
// 每个终止性失败都带有稳定的错误类别，供API层映射状态码与客户端分支
package pipeline

import (
	"errors"
	"fmt"
)

// Kind 终止性失败的类别
type Kind string

const (
	KindSchemaSelectionFailure Kind = "SCHEMA_SELECTION_FAILURE" // 没有可用schema
	KindGenerationParseError   Kind = "GENERATION_PARSE_ERROR"   // LLM响应提取不出SQL
	KindGuardRejection         Kind = "GUARD_REJECTION"          // 守卫拦截
	KindExecutionError         Kind = "EXECUTION_ERROR"          // 数据库执行失败
	KindRetryBudgetExhausted   Kind = "RETRY_BUDGET_EXHAUSTED"   // 纠错预算用尽
	KindUpstreamUnavailable    Kind = "UPSTREAM_UNAVAILABLE"     // LLM服务不可用
	KindTimeout                Kind = "TIMEOUT"                  // 请求或阶段超时
	KindInternal               Kind = "INTERNAL"                 // 未预期的内部错误
)

// Error 带类别的管道错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造带类别的管道错误
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 提取错误类别，非管道错误归为INTERNAL
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
