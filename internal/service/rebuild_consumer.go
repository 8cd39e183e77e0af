package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/logger"
	"c3-pipeline-go/internal/storage"
)

// RebuildTaskHandler 处理一条重建任务
// 返回错误时消息被拒绝并重新入队，由broker重新投递
type RebuildTaskHandler func(ctx context.Context, task *storage.RebuildTaskMessage) error

// RebuildConsumer 重建任务队列的消费侧
// 解码队列消息并分发给处理器，畸形消息直接确认丢弃，避免毒消息无限重入队
type RebuildConsumer struct {
	mq      *storage.RabbitMQ
	cfg     *config.RabbitMQConfig
	handler RebuildTaskHandler
}

// NewRebuildConsumer 创建消费者
func NewRebuildConsumer(mq *storage.RabbitMQ, cfg *config.RabbitMQConfig, handler RebuildTaskHandler) (*RebuildConsumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("重建任务处理器不能为空")
	}
	return &RebuildConsumer{mq: mq, cfg: cfg, handler: handler}, nil
}

// Start 注册消费者并启动处理协程，ctx取消时停止消费
func (c *RebuildConsumer) Start(ctx context.Context) error {
	if c.mq == nil {
		return fmt.Errorf("RabbitMQ未初始化")
	}
	return c.mq.StartConsumer(ctx, c.cfg.RebuildQueue, c.cfg.PrefetchCount, c.consume)
}

// consume 解码并分发单条消息，返回值决定确认还是重新入队
func (c *RebuildConsumer) consume(ctx context.Context, body []byte) bool {
	var task storage.RebuildTaskMessage
	if err := json.Unmarshal(body, &task); err != nil {
		logger.Error().Err(err).Msg("重建任务消息解码失败，丢弃")
		return true
	}
	if task.CacheKey == "" {
		logger.Error().Str("decision_id", task.DecisionID).Msg("重建任务缺少缓存键，丢弃")
		return true
	}

	if err := c.handler(ctx, &task); err != nil {
		logger.Warn().Err(err).
			Str("decision_id", task.DecisionID).
			Str("cache_key", task.CacheKey).
			Msg("重建任务处理失败，重新入队")
		return false
	}

	logger.Debug().
		Str("decision_id", task.DecisionID).
		Int("dirty_selectors", len(task.DirtySelectors)).
		Msg("重建任务处理完成")
	return true
}

// WebhookDispatcher 把重建任务转发给下游内容组装服务的HTTP端点
// 下游收到任务后重新生成脏span并调用Register建档
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewWebhookDispatcher 创建转发器
func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dispatch 把任务以JSON形式POST给下游，非2xx状态视为失败
func (d *WebhookDispatcher) Dispatch(ctx context.Context, task *storage.RebuildTaskMessage) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化重建任务失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造转发请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("转发重建任务失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("下游组装服务返回非预期状态: %d", resp.StatusCode)
	}
	return nil
}
