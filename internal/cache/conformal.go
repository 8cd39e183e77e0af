package cache

import (
	"math"
	"sort"

	"c3-pipeline-go/internal/constants"
)

// ConformalTau 基于历史 (score, realizedSpanError) 观测计算无分布假设的保形阈值
// 只考虑 realizedSpanError > eps 的观测（即重用本应是错误的那些情况），
// 将其分数升序排列后取秩 floor((1-delta)*(n-1)) 处的分数：
// 分数超过该阈值的请求，以至少 1-delta 的概率其真实误差超过 eps
// 若不存在任何超过eps的观测，返回 +Inf（始终重用）
func ConformalTau(calib []CalibPoint, eps, delta float64) float64 {
	var scores []float64
	for _, p := range calib {
		if p.SpanError > eps {
			scores = append(scores, p.Score)
		}
	}
	if len(scores) == 0 {
		return TauInfinite
	}

	sort.Float64s(scores)
	rank := int(math.Floor((1 - delta) * float64(len(scores)-1)))
	// delta 越界时 rank 退化到首/尾元素，由调用方保证传入合法参数
	if rank < 0 {
		rank = 0
	}
	if rank > len(scores)-1 {
		rank = len(scores) - 1
	}
	return scores[rank]
}

// UpdateCalibration 追加一条全局校准观测并重算全局阈值
// 观测序列按滑动窗口截断（最旧的先丢弃），maxLen<=0 时使用默认窗口
func UpdateCalibration(entry *CacheEntry, requestScore, realizedSpanError, eps, delta float64, maxLen int) {
	if maxLen <= 0 {
		maxLen = constants.GlobalCalibWindow
	}
	entry.CalibScores = appendBounded(entry.CalibScores, CalibPoint{Score: requestScore, SpanError: realizedSpanError}, maxLen)
	entry.TauDelta = ConformalTau(entry.CalibScores, eps, delta)
}

// UpdateSelectorCalibration 追加一条选择器范围的校准观测并重算该选择器的阈值
// 结果写入依赖证书的 SelectorTau
func UpdateSelectorCalibration(entry *CacheEntry, selector string, requestScore, realizedSpanError, eps, delta float64, maxLen int) {
	if maxLen <= 0 {
		maxLen = constants.SelectorCalibWindow
	}
	if entry.SelectorCalib == nil {
		entry.SelectorCalib = make(map[string][]CalibPoint)
	}
	entry.SelectorCalib[selector] = appendBounded(entry.SelectorCalib[selector], CalibPoint{Score: requestScore, SpanError: realizedSpanError}, maxLen)

	if entry.DC.SelectorTau == nil {
		entry.DC.SelectorTau = make(map[string]float64)
	}
	entry.DC.SelectorTau[selector] = ConformalTau(entry.SelectorCalib[selector], eps, delta)
}

// appendBounded 追加元素并保留最近的 maxLen 条
func appendBounded(points []CalibPoint, p CalibPoint, maxLen int) []CalibPoint {
	points = append(points, p)
	if len(points) > maxLen {
		points = points[len(points)-maxLen:]
	}
	return points
}
