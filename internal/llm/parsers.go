// LLM响应解析器
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseSQL 从LLM响应中提取恰好一条SELECT语句
// 去掉代码围栏与周边说明文字，规整空白并以单个分号结尾
// 找不到SELECT/WITH开头的语句时返回解析错误
func ParseSQL(response string) (string, error) {
	content := stripCodeFence(response)

	// 响应可能带有说明文字，取第一条SELECT/WITH开头的行为起点
	lines := strings.Split(content, "\n")
	start := -1
	for i, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH") {
			start = i
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("响应中未找到SELECT语句: %.80q", response)
	}
	content = strings.Join(lines[start:], " ")

	// 去掉字面量之外的分号，规整空白，末尾补单个分号
	content = stripBareSemicolons(content)
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return "", fmt.Errorf("响应中未找到SELECT语句")
	}
	return content + ";", nil
}

// ParseJSON 从LLM响应中解析JSON对象到目标结构
// 容忍代码围栏与JSON前后的说明文字
func ParseJSON(response string, target any) error {
	content := stripCodeFence(response)

	// 截取第一个 { 到最后一个 } 之间的片段
	begin := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if begin == -1 || end == -1 || end < begin {
		return fmt.Errorf("响应中未找到JSON对象: %.80q", response)
	}

	if err := json.Unmarshal([]byte(content[begin:end+1]), target); err != nil {
		return fmt.Errorf("JSON解析失败: %w", err)
	}
	return nil
}

// stripBareSemicolons 把单引号字面量之外的分号替换为空格
// 两个连续单引号是字面量内的转义引号
func stripBareSemicolons(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			if inString && i+1 < len(s) && s[i+1] == '\'' {
				b.WriteByte(ch)
				i++
				b.WriteByte(s[i])
				continue
			}
			inString = !inString
			b.WriteByte(ch)
		case ch == ';' && !inString:
			b.WriteByte(' ')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// stripCodeFence 去掉 ```sql ... ``` 或 ```json ... ``` 围栏
func stripCodeFence(s string) string {
	content := strings.TrimSpace(s)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	segments := strings.Split(content, "```")
	if len(segments) < 2 {
		return content
	}
	content = segments[1]

	// 去掉围栏后的语言标记
	for _, lang := range []string{"sql", "SQL", "json", "JSON"} {
		if strings.HasPrefix(content, lang) {
			content = content[len(lang):]
			break
		}
	}
	return strings.TrimSpace(content)
}
