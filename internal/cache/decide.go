package cache

import "time"

// DecisionMode 重用决策的结果模式
type DecisionMode string

const (
	// ModeReuse 整体重用缓存工件
	ModeReuse DecisionMode = "reuse"
	// ModeRebuild 重建被标脏的span
	ModeRebuild DecisionMode = "rebuild"
)

// Decision 一次重用决策的完整结果
type Decision struct {
	Mode DecisionMode `json:"mode"`
	// Artifact 在 ModeReuse 时为完整工件
	Artifact []byte `json:"artifact,omitempty"`
	// DirtySelectors 被标脏的选择器名，与 DirtySpans 对应
	DirtySelectors []string `json:"dirty_selectors,omitempty"`
	// DirtySpans 在 ModeRebuild 时为待重建的span拼接列表
	DirtySpans []Span `json:"dirty_spans,omitempty"`
	// Score 本次请求的失配分数，供调用方回填校准
	Score float64 `json:"score"`
}

// Decide 对一次请求做重用或重建决策
// 只检查请求显式触达的选择器：未触达的选择器无论漂移多大都不会被标脏，
// 因而单次决策成本为 O(|touchedSelectors|)，与证书中的选择器总数无关
// 纯函数，不修改条目；决策日志由调用方负责
func Decide(req *Request, entry *CacheEntry, eps float64) *Decision {
	return DecideAt(req, entry, eps, time.Now())
}

// DecideAt 以给定时刻做决策，便于测试控制评分的年龄项
func DecideAt(req *Request, entry *CacheEntry, eps float64, now time.Time) *Decision {
	s := ScoreAt(req, &entry.Meta, now)

	decision := &Decision{Score: s}
	for _, selector := range req.TouchedSelectors {
		threshold := entry.SelectorThreshold(selector)
		worst := entry.WorstProbeDelta(selector)

		// 探针显示上游已漂移超过eps，或分数超过该选择器的校准阈值
		if float64(worst) > eps || s > threshold {
			decision.DirtySelectors = append(decision.DirtySelectors, selector)
			decision.DirtySpans = append(decision.DirtySpans, entry.DC.Spans[selector]...)
		}
	}

	if len(decision.DirtySelectors) == 0 {
		decision.Mode = ModeReuse
		decision.Artifact = entry.Artifact
		return decision
	}

	decision.Mode = ModeRebuild
	return decision
}
