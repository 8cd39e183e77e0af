package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSampleTTLBounds 采样结果必须落在 [minTTL, maxTTL] 内
func TestSampleTTLBounds(t *testing.T) {
	const minTTL, maxTTL = 3600, 604800
	for i := 0; i < 1000; i++ {
		ttl := SampleTTL(3.0, 7.0, minTTL, maxTTL)
		require.GreaterOrEqual(t, ttl, minTTL)
		require.LessOrEqual(t, ttl, maxTTL)
	}
}

// TestSampleTTLInvalidParams 非法Beta参数回退到默认先验而不是panic
func TestSampleTTLInvalidParams(t *testing.T) {
	ttl := SampleTTL(0, -1, 3600, 604800)
	assert.GreaterOrEqual(t, ttl, 3600)
	assert.LessOrEqual(t, ttl, 604800)
}

// TestSampleTTLDegenerateRange min==max 时采样退化为定值
func TestSampleTTLDegenerateRange(t *testing.T) {
	assert.Equal(t, 3600, SampleTTL(3.0, 7.0, 3600, 3600))
	// max < min 时钳回min
	assert.Equal(t, 3600, SampleTTL(3.0, 7.0, 3600, 100))
}

// TestSampleTTLSkewsWithAlpha alpha越大相对beta，平均采样TTL越长
func TestSampleTTLSkewsWithAlpha(t *testing.T) {
	const minTTL, maxTTL, n = 0, 100000, 2000

	sumLow, sumHigh := 0, 0
	for i := 0; i < n; i++ {
		sumLow += SampleTTL(1.0, 9.0, minTTL, maxTTL)  // 期望约0.1*max
		sumHigh += SampleTTL(9.0, 1.0, minTTL, maxTTL) // 期望约0.9*max
	}
	assert.Less(t, sumLow/n, sumHigh/n, "偏向短TTL的参数应产生更小的均值")
}

// TestUpdateSelectorTTLParamsStale 过期观测: alpha+0.5, beta-0.5
func TestUpdateSelectorTTLParamsStale(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})
	entry.SelectorTTL["comp"] = SelectorTTLState{Alpha: 3.0, Beta: 7.0, LastSampledTTL: 86400}

	UpdateSelectorTTLParams(entry, "comp", true, 40000)

	state := entry.SelectorTTL["comp"]
	assert.InDelta(t, 3.5, state.Alpha, 1e-9)
	assert.InDelta(t, 6.5, state.Beta, 1e-9)
}

// TestUpdateSelectorTTLParamsStaleCaps alpha封顶10，beta下限1
func TestUpdateSelectorTTLParamsStaleCaps(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})
	entry.SelectorTTL["comp"] = SelectorTTLState{Alpha: 9.8, Beta: 1.2, LastSampledTTL: 86400}

	UpdateSelectorTTLParams(entry, "comp", true, 40000)

	state := entry.SelectorTTL["comp"]
	assert.InDelta(t, 10.0, state.Alpha, 1e-9, "alpha不超过10")
	assert.InDelta(t, 1.0, state.Beta, 1e-9, "beta不低于1")
}

// TestUpdateSelectorTTLParamsLongLived 存活超过1.5倍采样TTL: alpha-0.2, beta+0.2
func TestUpdateSelectorTTLParamsLongLived(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})
	entry.SelectorTTL["bullets"] = SelectorTTLState{Alpha: 3.0, Beta: 7.0, LastSampledTTL: 10000}

	UpdateSelectorTTLParams(entry, "bullets", false, 15001)

	state := entry.SelectorTTL["bullets"]
	assert.InDelta(t, 2.8, state.Alpha, 1e-9)
	assert.InDelta(t, 7.2, state.Beta, 1e-9)
}

// TestUpdateSelectorTTLParamsNeutral 既不过期也未超1.5倍时参数不变
func TestUpdateSelectorTTLParamsNeutral(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})
	entry.SelectorTTL["headline"] = SelectorTTLState{Alpha: 3.0, Beta: 7.0, LastSampledTTL: 10000}

	UpdateSelectorTTLParams(entry, "headline", false, 12000)

	state := entry.SelectorTTL["headline"]
	assert.InDelta(t, 3.0, state.Alpha, 1e-9)
	assert.InDelta(t, 7.0, state.Beta, 1e-9)
}

// TestUpdateSelectorTTLParamsUnknownSelector 未知选择器从默认先验起步
func TestUpdateSelectorTTLParamsUnknownSelector(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})

	UpdateSelectorTTLParams(entry, "licenses", true, 100)

	state := entry.SelectorTTL["licenses"]
	assert.InDelta(t, 3.5, state.Alpha, 1e-9, "默认alpha=3.0加0.5")
	assert.InDelta(t, 6.5, state.Beta, 1e-9, "默认beta=7.0减0.5")
}

// TestSampleSelectorTTLRecordsLastSample 采样结果记录到条目状态
func TestSampleSelectorTTLRecordsLastSample(t *testing.T) {
	entry := NewCacheEntry([]byte("a"), DependencyCertificate{}, EntryMeta{})

	ttl := entry.SampleSelectorTTL("comp", 3600, 604800)

	state := entry.SelectorTTL["comp"]
	assert.Equal(t, ttl, state.LastSampledTTL)
	assert.InDelta(t, 3.0, state.Alpha, 1e-9, "首次采样使用默认先验")
	assert.InDelta(t, 7.0, state.Beta, 1e-9)
}
