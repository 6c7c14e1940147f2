// 结果集的图表推断
package enrich

import (
	"strconv"

	"askdb-go/internal/executor"
)

// ChartSpec 前端可直接渲染的图表描述
type ChartSpec struct {
	Type   string `json:"type"`
	XField string `json:"x_field"`
	YField string `json:"y_field"`
	Title  string `json:"title"`
}

// BuildChartSpec 从结果集推断图表
// 恰好两列、有数据且抽样的第二列全部为数值时给出柱状图，否则不出图
func BuildChartSpec(question string, result *executor.Result, sampleRows int) *ChartSpec {
	if result == nil || len(result.Columns) != 2 || len(result.Rows) == 0 {
		return nil
	}

	sample := result.Rows
	if sampleRows > 0 && len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	for _, row := range sample {
		if len(row) < 2 || !isNumeric(row[1]) {
			return nil
		}
	}

	title := question
	if title == "" {
		title = result.Columns[1] + " 按 " + result.Columns[0]
	}

	return &ChartSpec{
		Type:   "bar",
		XField: result.Columns[0],
		YField: result.Columns[1],
		Title:  title,
	}
}

// isNumeric 判断一个已转换的结果值是否为数值
// 数据库numeric类型可能以字符串形式到达，可解析的也算数值
func isNumeric(v any) bool {
	switch value := v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	default:
		return false
	}
}
