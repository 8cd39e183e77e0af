package cache

import (
	"math"
	"time"

	"c3-pipeline-go/internal/constants"
)

// cosineEpsilon 防止零向量导致除零
const cosineEpsilon = 1e-9

// CosineDistance 计算两个向量的余弦距离 1 - dot/(|a|·|b|+ε)
// 对零长度或空向量返回一个有定义（虽无意义）的值而不是错误
func CosineDistance(a, b []float64) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)+cosineEpsilon)
}

// Score 计算请求与缓存条目元信息之间的加权失配分数
// 非负，无上界（常规情况下落在 [0, 1.1] 附近）
func Score(req *Request, meta *EntryMeta) float64 {
	return ScoreAt(req, meta, time.Now())
}

// ScoreAt 以给定时刻计算分数，便于测试控制年龄项
func ScoreAt(req *Request, meta *EntryMeta, now time.Time) float64 {
	// 嵌入向量余弦距离项
	s := constants.ScoreWeightCosine * CosineDistance(req.Embedding, meta.Embedding)

	// 规范字段漂移项：固定字段集合中不一致的比例
	mismatched := 0
	for _, field := range constants.DriftFields {
		if req.Fields[field] != meta.Fields[field] {
			mismatched++
		}
	}
	s += constants.ScoreWeightDrift * float64(mismatched) / float64(len(constants.DriftFields))

	// 年龄惩罚项，72小时封顶
	ageHours := now.Sub(meta.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	s += constants.ScoreWeightAge * math.Min(constants.AgeSaturationHours, ageHours) / constants.AgeSaturationHours

	// 模板版本精确不匹配项
	if req.Fields["template_version"] != meta.TemplateVersion {
		s += constants.ScoreWeightTemplate
	}

	return s
}
