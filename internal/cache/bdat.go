package cache

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"c3-pipeline-go/internal/constants"
)

// BDAT (Beta-distributed Adaptive TTL) 参数调整步长与边界
// 这是一个在线启发式旋钮，不是严格的贝叶斯后验更新
const (
	bdatStaleStep    = 0.5 // 条目在采样TTL之前就被发现过期时的调整步长
	bdatFreshStep    = 0.2 // 条目存活超过1.5倍采样TTL仍新鲜时的调整步长
	bdatAlphaCeiling = 10.0
	bdatAlphaFloor   = 1.0
	bdatBetaCeiling  = 10.0
	bdatBetaFloor    = 1.0
	// bdatFreshFactor 判定"本可以更早重建"的存活倍数
	bdatFreshFactor = 1.5
)

// SampleTTL 从 Beta(alpha, beta) 采样一个TTL并线性映射到 [minTTL, maxTTL]
// alpha 相对 beta 越大，采样越偏向长TTL
func SampleTTL(alpha, beta float64, minTTL, maxTTL int) int {
	if alpha <= 0 {
		alpha = constants.DefaultBDATAlpha
	}
	if beta <= 0 {
		beta = constants.DefaultBDATBeta
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}

	dist := distuv.Beta{Alpha: alpha, Beta: beta}
	x := dist.Rand()

	ttl := float64(minTTL) + x*float64(maxTTL-minTTL)
	return int(math.Round(ttl))
}

// SampleSelectorTTL 为指定选择器采样TTL并记录到条目状态中
// 选择器尚无BDAT状态时先以默认先验建档
func (e *CacheEntry) SampleSelectorTTL(selector string, minTTL, maxTTL int) int {
	if e.SelectorTTL == nil {
		e.SelectorTTL = make(map[string]SelectorTTLState)
	}
	state, ok := e.SelectorTTL[selector]
	if !ok {
		state = DefaultSelectorTTLState()
	}

	ttl := SampleTTL(state.Alpha, state.Beta, minTTL, maxTTL)
	state.LastSampledTTL = ttl
	e.SelectorTTL[selector] = state
	return ttl
}

// UpdateSelectorTTLParams 根据观测到的过期情况调整选择器的Beta参数
//   - wasStale: 条目在采样TTL到期前就被发现过期 -> alpha+0.5(上限10), beta-0.5(下限1)
//   - 条目存活超过1.5倍上次采样TTL仍新鲜 -> alpha-0.2, beta+0.2
//
// wasStale 分支的调整方向沿用既有行为，调整方向的取舍需与上游确认后再变更
func UpdateSelectorTTLParams(entry *CacheEntry, selector string, wasStale bool, actualTTL int) {
	if entry.SelectorTTL == nil {
		entry.SelectorTTL = make(map[string]SelectorTTLState)
	}
	state, ok := entry.SelectorTTL[selector]
	if !ok {
		state = DefaultSelectorTTLState()
	}

	switch {
	case wasStale:
		state.Alpha = math.Min(bdatAlphaCeiling, state.Alpha+bdatStaleStep)
		state.Beta = math.Max(bdatBetaFloor, state.Beta-bdatStaleStep)
	case float64(actualTTL) > bdatFreshFactor*float64(state.LastSampledTTL):
		// 本可以更早重建而不受损，向短TTL方向微调
		state.Alpha = math.Max(bdatAlphaFloor, state.Alpha-bdatFreshStep)
		state.Beta = math.Min(bdatBetaCeiling, state.Beta+bdatFreshStep)
	}

	entry.SelectorTTL[selector] = state
}
