package storage

import (
	"time"

	"c3-pipeline-go/internal/cache"
)

// RebuildTaskMessage 重建任务消息
// 决策引擎判定部分span失效后发布，由下游的内容组装层消费并重新生成
type RebuildTaskMessage struct {
	// DecisionID 决策唯一标识，用于审计关联
	DecisionID string `json:"decision_id"`
	// CacheKey 工件所属的缓存键
	CacheKey string `json:"cache_key"`
	// Client / Channel / TemplateVersion / ModelID 生成上下文，下游重建时复用
	Client          string `json:"client,omitempty"`
	Channel         string `json:"channel,omitempty"`
	TemplateVersion string `json:"template_version,omitempty"`
	ModelID         string `json:"model_id,omitempty"`
	// DirtySelectors 被标脏的选择器名
	DirtySelectors []string `json:"dirty_selectors"`
	// DirtySpans 待重建的span列表，与DirtySelectors的span拼接一致
	DirtySpans []cache.Span `json:"dirty_spans"`
	// Score 触发重建的失配分数
	Score float64 `json:"score"`
	// RequestedAt 任务产生时间
	RequestedAt time.Time `json:"requested_at"`
}
