// Package guard 只读SQL安全守卫
// 在执行之前做关键字封禁、多语句拦截、表归属校验与LIMIT注入
// 守卫是幂等的：对已放行SQL再次检查得到逐字节相同的结果
package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"askdb-go/internal/catalog"
)

// Code 拦截原因代码
type Code string

const (
	CodeForbiddenStatement Code = "FORBIDDEN_STATEMENT" // 写操作或DDL关键字
	CodeMultiStatement     Code = "MULTI_STATEMENT"     // 一次提交多条语句
	CodeUnknownTable       Code = "UNKNOWN_TABLE"       // 引用了目录之外的表
	CodeCrossSchema        Code = "CROSS_SCHEMA"        // 跨schema或系统schema访问
)

// Violation 单条拦截记录
type Violation struct {
	Code   Code   `json:"code"`
	Reason string `json:"reason"`
}

// Result 守卫结论
// Allowed为真时SanitizedSQL是补好LIMIT的最终执行SQL
type Result struct {
	Allowed      bool        `json:"allowed"`
	SanitizedSQL string      `json:"sanitized_sql,omitempty"`
	Violations   []Violation `json:"violations,omitempty"`
}

// Reason 返回第一条拦截原因，供纠错提示词使用
func (r *Result) Reason() string {
	if len(r.Violations) == 0 {
		return ""
	}
	return r.Violations[0].Reason
}

// HasCode 判断结论中是否包含指定代码
func (r *Result) HasCode(code Code) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

var (
	forbiddenPattern = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|ALTER|DROP|CREATE|TRUNCATE|GRANT|REVOKE)\b`)
	// FROM/JOIN后的表引用，带可选schema限定
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(?:([a-zA-Z_][a-zA-Z0-9_$]*)\.)?([a-zA-Z_][a-zA-Z0-9_$]*)`)
	limitPattern    = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\b`)
	selectPattern   = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
)

// systemSchemas 系统schema一律按跨schema拦截
var systemSchemas = map[string]struct{}{
	"information_schema": {},
	"pg_catalog":         {},
	"pg_toast":           {},
}

// Guard SQL安全守卫，构建后只读，可并发使用
type Guard struct {
	logger *zap.Logger
}

// NewGuard 创建SQL守卫
func NewGuard(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger}
}

// Check 检查一条SQL能否在目标schema下执行
// rowLimit是本次请求的行数上限，已有的更小LIMIT保持不变
func (g *Guard) Check(sql string, cat *catalog.Catalog, rowLimit int) *Result {
	result := &Result{}
	trimmed := strings.TrimSpace(sql)

	// 字符串字面量里的关键字与分号不构成威胁
	bare := stripLiterals(trimmed)

	if !selectPattern.MatchString(trimmed) {
		result.Violations = append(result.Violations, Violation{
			Code:   CodeForbiddenStatement,
			Reason: "仅允许SELECT查询",
		})
	}

	if m := forbiddenPattern.FindString(bare); m != "" {
		result.Violations = append(result.Violations, Violation{
			Code:   CodeForbiddenStatement,
			Reason: fmt.Sprintf("包含被禁止的关键字: %s", strings.ToUpper(m)),
		})
	}

	if countStatements(bare) > 1 {
		result.Violations = append(result.Violations, Violation{
			Code:   CodeMultiStatement,
			Reason: "一次只能执行一条语句",
		})
	}

	result.Violations = append(result.Violations, g.checkTableRefs(bare, cat)...)

	if len(result.Violations) > 0 {
		g.logger.Warn("SQL被守卫拦截",
			zap.String("schema", cat.Schema),
			zap.Any("violations", result.Violations))
		return result
	}

	result.Allowed = true
	result.SanitizedSQL = enforceLimit(trimmed, rowLimit)
	return result
}

// checkTableRefs 校验每个表引用的归属
func (g *Guard) checkTableRefs(sql string, cat *catalog.Catalog) []Violation {
	var violations []Violation
	seen := make(map[string]struct{})

	for _, m := range tableRefPattern.FindAllStringSubmatch(sql, -1) {
		qualifier, table := m[1], m[2]
		ref := strings.ToLower(qualifier + "." + table)
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		if qualifier != "" {
			lower := strings.ToLower(qualifier)
			if _, system := systemSchemas[lower]; system {
				violations = append(violations, Violation{
					Code:   CodeCrossSchema,
					Reason: fmt.Sprintf("禁止访问系统schema: %s", qualifier),
				})
				continue
			}
			if lower != strings.ToLower(cat.Schema) {
				violations = append(violations, Violation{
					Code:   CodeCrossSchema,
					Reason: fmt.Sprintf("禁止跨schema访问: %s.%s", qualifier, table),
				})
				continue
			}
		}

		if !cat.HasTable(table) {
			violations = append(violations, Violation{
				Code:   CodeUnknownTable,
				Reason: fmt.Sprintf("表 %s 不在schema %s 中", table, cat.Schema),
			})
		}
	}
	return violations
}

// enforceLimit 注入或收紧LIMIT，结果以单个分号结尾
// 只识别字符串字面量之外的LIMIT子句；对自身输出再次调用返回逐字节相同的SQL
func enforceLimit(sql string, rowLimit int) string {
	body := strings.TrimSuffix(strings.TrimSpace(sql), ";")
	body = strings.TrimSpace(body)

	if m := findLimitClause(body); m != nil {
		existing, err := strconv.Atoi(body[m[2]:m[3]])
		if err == nil && existing > rowLimit {
			body = body[:m[2]] + strconv.Itoa(rowLimit) + body[m[3]:]
		}
	} else {
		body += " LIMIT " + strconv.Itoa(rowLimit)
	}
	return body + ";"
}

// findLimitClause 返回第一个位于字面量之外的LIMIT匹配的子匹配下标
func findLimitClause(sql string) []int {
	inLiteral := literalMask(sql)
	for _, m := range limitPattern.FindAllStringSubmatchIndex(sql, -1) {
		if !inLiteral[m[0]] {
			return m
		}
	}
	return nil
}

// literalMask 按字节标记是否处于单引号字面量内，引号本身计入字面量
func literalMask(sql string) []bool {
	mask := make([]bool, len(sql))
	inString := false
	for i := 0; i < len(sql); i++ {
		if sql[i] == '\'' {
			mask[i] = true
			if inString && i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				mask[i] = true
				continue
			}
			inString = !inString
			continue
		}
		mask[i] = inString
	}
	return mask
}

// countStatements 统计分号分隔的非空语句数
func countStatements(sql string) int {
	count := 0
	for _, part := range strings.Split(sql, ";") {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	return count
}

// stripLiterals 把单引号字符串字面量替换为空串
// 两个连续单引号是字面量内的转义引号
func stripLiterals(sql string) string {
	var b strings.Builder
	inString := false
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch == '\'' {
			if inString && i+1 < len(runes) && runes[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
			b.WriteRune(ch)
			continue
		}
		if !inString {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
