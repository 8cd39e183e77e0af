package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"c3-pipeline-go/internal/constants"
)

// TauInfinite 未校准时的全局阈值哨兵值，语义为"始终重用"
// 在积累到第一个超过eps的误差观测之前，缓存被无条件信任
var TauInfinite = math.Inf(1)

// Span 工件内的一段半开区间 [Start, End)
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ProbeRecord 选择器的一次上游漂移探针观测
type ProbeRecord struct {
	Edit      string `json:"edit"`       // 编辑描述
	SpanDelta int    `json:"span_delta"` // 与建档时相比的span偏移量
}

// CalibPoint 一次 (score, realizedSpanError) 校准观测
// 持久化时编码为二元组 [score, error]
type CalibPoint struct {
	Score     float64
	SpanError float64
}

// MarshalJSON 编码为 [score, error]
func (p CalibPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Score, p.SpanError})
}

// UnmarshalJSON 从 [score, error] 解码
func (p *CalibPoint) UnmarshalJSON(data []byte) error {
	var tuple [2]float64
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	p.Score = tuple[0]
	p.SpanError = tuple[1]
	return nil
}

// SelectorTTLState 单个选择器的BDAT状态
type SelectorTTLState struct {
	Alpha          float64 `json:"alpha"`
	Beta           float64 `json:"beta"`
	LastSampledTTL int     `json:"last_sampled_ttl"` // 秒
}

// DefaultSelectorTTLState 返回BDAT的默认先验
func DefaultSelectorTTLState() SelectorTTLState {
	return SelectorTTLState{
		Alpha:          constants.DefaultBDATAlpha,
		Beta:           constants.DefaultBDATBeta,
		LastSampledTTL: constants.DefaultBDATTTL,
	}
}

// DependencyCertificate 依赖证书：选择器到span范围、不变式规则和校准阈值的映射
type DependencyCertificate struct {
	// Spans 每个选择器拥有的span列表
	Spans map[string][]Span
	// Invariants 每个选择器的不变式规则（自由格式，通常是正则）
	Invariants map[string]string
	// SelectorTau 每个选择器自己的校准阈值；缺失时回退到条目的全局TauDelta
	SelectorTau map[string]float64
}

// certificateJSON 持久化用的中间形态
// SelectorTau 以字符串编码浮点数存储，与 tau_delta 字段保持一致，
// 同时避免 +Inf 无法编码为JSON数字的问题
type certificateJSON struct {
	Spans       map[string][]Span `json:"spans"`
	Invariants  map[string]string `json:"invariants"`
	SelectorTau map[string]string `json:"selector_tau"`
}

// MarshalJSON 实现证书的持久化编码
func (dc DependencyCertificate) MarshalJSON() ([]byte, error) {
	out := certificateJSON{
		Spans:       dc.Spans,
		Invariants:  dc.Invariants,
		SelectorTau: make(map[string]string, len(dc.SelectorTau)),
	}
	for sel, tau := range dc.SelectorTau {
		out.SelectorTau[sel] = strconv.FormatFloat(tau, 'g', -1, 64)
	}
	return json.Marshal(out)
}

// UnmarshalJSON 实现证书的持久化解码
func (dc *DependencyCertificate) UnmarshalJSON(data []byte) error {
	var in certificateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	dc.Spans = in.Spans
	dc.Invariants = in.Invariants
	dc.SelectorTau = make(map[string]float64, len(in.SelectorTau))
	for sel, raw := range in.SelectorTau {
		tau, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("选择器 %s 的阈值格式错误: %w", sel, err)
		}
		dc.SelectorTau[sel] = tau
	}
	return nil
}

// EntryMeta 重新计算相似度所需的全部建档信息
type EntryMeta struct {
	Embedding       []float64         `json:"embedding"`        // 建档时的嵌入向量
	Fields          map[string]string `json:"fields"`           // 规范字段值
	CreatedAt       time.Time         `json:"created_at"`       // 工件生成时间
	TemplateVersion string            `json:"template_version"` // 模板/版本标识
	ModelID         string            `json:"model_id"`         // 生成工件的模型标识
}

// Request 一次缓存查询的上下文
type Request struct {
	Embedding        []float64         `json:"embedding"`
	Fields           map[string]string `json:"fields"`
	TouchedSelectors []string          `json:"touched_selectors"`
}

// CacheEntry 缓存单元：工件本体加上重用决策所需的全部状态
type CacheEntry struct {
	Artifact      []byte                      // 被缓存的序列化产物
	DC            DependencyCertificate       // 依赖证书
	Probes        map[string][]ProbeRecord    // 选择器探针观测
	CalibScores   []CalibPoint                // 全局校准观测（滑动窗口）
	TauDelta      float64                     // 全局保形阈值
	Meta          EntryMeta                   // 建档元信息
	SelectorTTL   map[string]SelectorTTLState // 各选择器的BDAT状态
	SelectorCalib map[string][]CalibPoint     // 各选择器的校准观测（滑动窗口）
}

// NewCacheEntry 创建一个首次建档的缓存条目
// 阈值取哨兵值：在出现第一个误差证据之前始终重用
func NewCacheEntry(artifact []byte, dc DependencyCertificate, meta EntryMeta) *CacheEntry {
	if dc.Spans == nil {
		dc.Spans = make(map[string][]Span)
	}
	if dc.Invariants == nil {
		dc.Invariants = make(map[string]string)
	}
	if dc.SelectorTau == nil {
		dc.SelectorTau = make(map[string]float64)
	}
	return &CacheEntry{
		Artifact:      artifact,
		DC:            dc,
		Probes:        make(map[string][]ProbeRecord),
		CalibScores:   nil,
		TauDelta:      TauInfinite,
		Meta:          meta,
		SelectorTTL:   make(map[string]SelectorTTLState),
		SelectorCalib: make(map[string][]CalibPoint),
	}
}

// AddProbe 追加一条选择器探针观测
func (e *CacheEntry) AddProbe(selector string, probe ProbeRecord) {
	if e.Probes == nil {
		e.Probes = make(map[string][]ProbeRecord)
	}
	e.Probes[selector] = append(e.Probes[selector], probe)
}

// WorstProbeDelta 返回选择器探针观测中的最大span偏移，无观测时为0
func (e *CacheEntry) WorstProbeDelta(selector string) int {
	worst := 0
	for _, p := range e.Probes[selector] {
		if p.SpanDelta > worst {
			worst = p.SpanDelta
		}
	}
	return worst
}

// SelectorThreshold 返回选择器的生效阈值：优先选择器自己的校准值，缺失时回退全局阈值
func (e *CacheEntry) SelectorThreshold(selector string) float64 {
	if tau, ok := e.DC.SelectorTau[selector]; ok {
		return tau
	}
	return e.TauDelta
}
