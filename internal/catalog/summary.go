package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// 提示词中单表最多列出的列数，避免令牌溢出
const maxColumnsPerTable = 24

// 默认schema摘要长度上限
const DefaultSummaryMaxChars = 4000

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Summary 生成紧凑的schema文字摘要，供提示词使用
// 每表一行: - table(col:type, col:type, ...)
func (c *Catalog) Summary(maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultSummaryMaxChars
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Schema %s 可用结构:\n", c.Schema))

	for _, e := range c.Entries {
		cols := e.Columns
		if len(cols) > maxColumnsPerTable {
			cols = cols[:maxColumnsPerTable]
		}
		parts := make([]string, 0, len(cols))
		for _, col := range cols {
			parts = append(parts, col.Name+":"+col.DataType)
		}
		b.WriteString("- " + e.Table + "(" + strings.Join(parts, ", ") + ")\n")
	}

	text := b.String()
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

// IdentifierTokens 返回schema中全部表名与列名的小写词元集合
// 用于选择器的重叠打分
func (c *Catalog) IdentifierTokens() map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, e := range c.Entries {
		for _, t := range Tokenize(e.Table) {
			tokens[t] = struct{}{}
		}
		for _, col := range e.Columns {
			for _, t := range Tokenize(col.Name) {
				tokens[t] = struct{}{}
			}
		}
	}
	return tokens
}

// Tokenize 把字符串切分为小写的字母数字词元
func Tokenize(s string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(s), -1)
	var out []string
	for _, t := range raw {
		// 标识符中的下划线继续拆分，actor_id 同时贡献 actor 和 id
		for _, part := range strings.Split(t, "_") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
