package constants

const (
	// 评分权重，设计上固定，不通过配置暴露
	ScoreWeightCosine   = 0.6  // 嵌入向量余弦距离
	ScoreWeightDrift    = 0.3  // 规范字段漂移比例
	ScoreWeightAge      = 0.08 // 工件年龄惩罚
	ScoreWeightTemplate = 0.02 // 模板版本精确不匹配

	// AgeSaturationHours 年龄惩罚的饱和点（小时）
	AgeSaturationHours = 72

	// 校准窗口上限
	GlobalCalibWindow   = 1000 // 全局 (score, error) 观测窗口
	SelectorCalibWindow = 100  // 单选择器观测窗口

	// BDAT 默认参数
	DefaultBDATAlpha = 3.0
	DefaultBDATBeta  = 7.0
	DefaultBDATTTL   = 86400 // 秒，默认上次采样TTL
)

// DriftFields 参与字段漂移统计的规范字段集合，顺序固定
var DriftFields = []string{"role_family", "geo", "comp_policy", "template_version"}
