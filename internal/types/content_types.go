package types

// SelectorName 表示工件中一个可独立判稳的逻辑区域
type SelectorName = string

// 招聘营销内容工件中约定的选择器名
const (
	// SelectorHeadline 摘要标题区域
	SelectorHeadline SelectorName = "headline"
	// SelectorBullets 候选人要点列表区域
	SelectorBullets SelectorName = "bullets"
	// SelectorComp 薪酬信息区域
	SelectorComp SelectorName = "comp"
	// SelectorAvailability 到岗时间区域
	SelectorAvailability SelectorName = "availability"
	// SelectorLicenses 证照资质区域
	SelectorLicenses SelectorName = "licenses"
)

// GenerationContext 工件的生成上下文，参与缓存键的派生
// client/channel/模板版本/模型任一不同都会落到不同的缓存条目上
type GenerationContext struct {
	Client          string `json:"client"`           // 客户标识
	Channel         string `json:"channel"`          // 投放渠道 (email/sms/...)
	TemplateVersion string `json:"template_version"` // 模板版本
	ModelID         string `json:"model_id"`         // 生成模型标识
}

// NormalizedRecord 规范化后的候选人记录
type NormalizedRecord struct {
	// CanonicalJSON 按键排序的规范JSON，缓存键的内容部分由它哈希得到
	CanonicalJSON []byte `json:"-"`
	// Fields 参与漂移统计的规范字段值
	Fields map[string]string `json:"fields"`
	// Text 用于嵌入的文本样本
	Text string `json:"text"`
}

// StalenessReport 一次选择器过期观测，驱动BDAT参数调整
type StalenessReport struct {
	Selector  string `json:"selector"`
	WasStale  bool   `json:"was_stale"`  // 在采样TTL到期前被发现过期
	ActualTTL int    `json:"actual_ttl"` // 实际存活秒数
}
