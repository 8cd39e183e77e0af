package cache

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCalibPointJSONTupleForm 校准观测编码为 [score, error] 二元组
func TestCalibPointJSONTupleForm(t *testing.T) {
	p := CalibPoint{Score: 0.42, SpanError: 3.5}

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[0.42, 3.5]`, string(b))

	var decoded CalibPoint
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, p, decoded)
}

// TestCertificateJSONRoundTripWithInfTau 证书中的+Inf阈值必须能无损持久化
// JSON数字无法表达+Inf，证书的SelectorTau以字符串编码绕开这一限制
func TestCertificateJSONRoundTripWithInfTau(t *testing.T) {
	dc := DependencyCertificate{
		Spans: map[string][]Span{
			"headline": {{Start: 0, End: 40}},
			"comp":     {{Start: 320, End: 380}},
		},
		Invariants: map[string]string{
			"comp": `\$\d+/hr`,
		},
		SelectorTau: map[string]float64{
			"headline": 0.37,
			"comp":     math.Inf(1),
		},
	}

	b, err := json.Marshal(dc)
	require.NoError(t, err)

	var decoded DependencyCertificate
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, dc.Spans, decoded.Spans)
	assert.Equal(t, dc.Invariants, decoded.Invariants)
	assert.InDelta(t, 0.37, decoded.SelectorTau["headline"], 1e-12)
	assert.True(t, math.IsInf(decoded.SelectorTau["comp"], 1), "+Inf应在往返后保留")
}

// TestCertificateJSONRejectsMalformedTau 非法的阈值字符串应解码失败
func TestCertificateJSONRejectsMalformedTau(t *testing.T) {
	raw := `{"spans":{},"invariants":{},"selector_tau":{"comp":"not-a-number"}}`
	var dc DependencyCertificate
	err := json.Unmarshal([]byte(raw), &dc)
	assert.Error(t, err)
}

// TestNewCacheEntryDefaults 新条目的哨兵阈值与空容器
func TestNewCacheEntryDefaults(t *testing.T) {
	entry := NewCacheEntry([]byte("body"), DependencyCertificate{}, EntryMeta{})

	assert.True(t, math.IsInf(entry.TauDelta, 1))
	assert.NotNil(t, entry.Probes)
	assert.NotNil(t, entry.SelectorTTL)
	assert.NotNil(t, entry.SelectorCalib)
	assert.NotNil(t, entry.DC.Spans)
	assert.NotNil(t, entry.DC.SelectorTau)
	assert.Empty(t, entry.CalibScores)
}

// TestSelectorThresholdFallback 选择器无专属阈值时回退到全局阈值
func TestSelectorThresholdFallback(t *testing.T) {
	entry := NewCacheEntry([]byte("body"), DependencyCertificate{}, EntryMeta{})
	entry.TauDelta = 0.6

	assert.InDelta(t, 0.6, entry.SelectorThreshold("headline"), 1e-9)

	entry.DC.SelectorTau["headline"] = 0.2
	assert.InDelta(t, 0.2, entry.SelectorThreshold("headline"), 1e-9)
	assert.InDelta(t, 0.6, entry.SelectorThreshold("bullets"), 1e-9, "其余选择器仍走全局")
}
