package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"c3-pipeline-go/internal/constants"
	"c3-pipeline-go/internal/types"
)

// Normalizer 把上游的原始候选人记录规范化为决策引擎的输入
// 同一条逻辑记录不管字段顺序、空白如何变化，规范化结果必须逐字节一致，
// 否则缓存键会漂移导致命中率归零
type Normalizer struct{}

// NewNormalizer 创建规范化器
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize 规范化一条原始记录
// rawJSON为上游记录的JSON表示；返回的CanonicalJSON按键排序，
// Fields提取参与漂移统计的字段，Text是喂给嵌入器的文本样本
func (n *Normalizer) Normalize(rawJSON []byte) (*types.NormalizedRecord, error) {
	if len(rawJSON) == 0 {
		return nil, fmt.Errorf("原始记录不能为空")
	}

	var record map[string]interface{}
	if err := json.Unmarshal(rawJSON, &record); err != nil {
		return nil, fmt.Errorf("解析原始记录失败: %w", err)
	}

	// encoding/json对map按键排序输出，重新序列化即得规范形式
	canonical, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("规范化序列化失败: %w", err)
	}

	return &types.NormalizedRecord{
		CanonicalJSON: canonical,
		Fields:        extractFields(record),
		Text:          buildTextSample(record),
	}, nil
}

// extractFields 提取参与字段漂移统计的规范字段
// 缺失的字段映射为空串，这样新增字段也会被算作一次漂移
func extractFields(record map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(constants.DriftFields))
	for _, name := range constants.DriftFields {
		fields[name] = stringifyField(record[name])
	}
	return fields
}

// stringifyField 把任意JSON值压成稳定的字符串表示
func stringifyField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		// JSON数字统一走json.Marshal，避免%v对整数输出小数点
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// buildTextSample 拼出嵌入用的文本样本
// 按键排序拼接，保证同一记录的文本样本稳定
func buildTextSample(record map[string]interface{}) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		val := stringifyField(record[k])
		if val == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(val)
	}
	return sb.String()
}
