package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheOutcome 每次重用决策及其事后校准结果的审计记录
// 用于离线分析阈值质量：拿realized_span_error对照decision时刻的score和tau，
// 可以直接评估保形阈值的误判率是否落在delta以内
type CacheOutcome struct {
	OutcomeID uint64 `gorm:"primaryKey;autoIncrement"`
	// DecisionID 决策引擎生成的唯一标识
	DecisionID string `gorm:"type:char(36);not null;uniqueIndex:idx_co_decision_id"`
	// CacheKey 决策针对的缓存键
	CacheKey string `gorm:"type:varchar(128);not null;index:idx_co_cache_key"`
	// Mode 决策模式: reuse / rebuild / miss
	Mode string `gorm:"type:varchar(20);not null;index:idx_co_mode"`
	// Score 决策时刻的失配分数
	Score float64 `gorm:"type:double"`
	// TauDelta 决策时刻的全局阈值（+Inf存为NULL）
	TauDelta *float64 `gorm:"type:double"`
	// RealizedSpanError 事后回填的真实span误差，未回填时为NULL
	RealizedSpanError *float64 `gorm:"type:double"`
	// DirtySelectorsJSON 被标脏的选择器列表
	DirtySelectorsJSON datatypes.JSON `gorm:"type:json"`
	// 生成上下文
	Client          string `gorm:"type:varchar(100);index:idx_co_client"`
	Channel         string `gorm:"type:varchar(50)"`
	TemplateVersion string `gorm:"type:varchar(50)"`
	ModelID         string `gorm:"type:varchar(100)"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_co_created_at"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CacheOutcome) TableName() string {
	return "cache_outcomes"
}

// SelectorStaleness 选择器级的过期观测记录
// 与BDAT参数调整一一对应，供离线验证TTL采样分布的收敛方向
type SelectorStaleness struct {
	StalenessID uint64 `gorm:"primaryKey;autoIncrement"`
	CacheKey    string `gorm:"type:varchar(128);not null;index:idx_ss_cache_key"`
	Selector    string `gorm:"type:varchar(50);not null;index:idx_ss_selector"`
	// WasStale 是否在采样TTL到期前被发现过期
	WasStale bool `gorm:"not null"`
	// ActualTTLSeconds 实际存活秒数
	ActualTTLSeconds int `gorm:"type:int"`
	// SampledTTLSeconds 观测时刻的上次采样TTL
	SampledTTLSeconds int `gorm:"type:int"`
	// AlphaAfter / BetaAfter 调整后的Beta参数
	AlphaAfter float64 `gorm:"type:double"`
	BetaAfter  float64 `gorm:"type:double"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_ss_created_at"`
}

func (SelectorStaleness) TableName() string {
	return "selector_staleness"
}
