package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T, handler RebuildTaskHandler) *RebuildConsumer {
	t.Helper()
	// consume不触碰broker连接，mq传nil即可
	c, err := NewRebuildConsumer(nil, &config.RabbitMQConfig{RebuildQueue: "q.test"}, handler)
	require.NoError(t, err)
	return c
}

func testRebuildTask() *storage.RebuildTaskMessage {
	return &storage.RebuildTaskMessage{
		DecisionID:     "d-123",
		CacheKey:       "c3:abc",
		Client:         "acme-health",
		Channel:        "email",
		DirtySelectors: []string{"bullets"},
		DirtySpans:     []cache.Span{{Start: 40, End: 200}},
		Score:          0.42,
	}
}

// TestRebuildConsumerDispatchesTask 合法消息解码后交给处理器并确认
func TestRebuildConsumerDispatchesTask(t *testing.T) {
	var got *storage.RebuildTaskMessage
	c := newTestConsumer(t, func(ctx context.Context, task *storage.RebuildTaskMessage) error {
		got = task
		return nil
	})

	body, err := json.Marshal(testRebuildTask())
	require.NoError(t, err)

	assert.True(t, c.consume(context.Background(), body), "处理成功应确认消息")
	require.NotNil(t, got)
	assert.Equal(t, "d-123", got.DecisionID)
	assert.Equal(t, "c3:abc", got.CacheKey)
	assert.Equal(t, []string{"bullets"}, got.DirtySelectors)
	assert.Equal(t, []cache.Span{{Start: 40, End: 200}}, got.DirtySpans)
}

// TestRebuildConsumerRequeuesOnHandlerError 处理器报错时消息重新入队
func TestRebuildConsumerRequeuesOnHandlerError(t *testing.T) {
	c := newTestConsumer(t, func(ctx context.Context, task *storage.RebuildTaskMessage) error {
		return fmt.Errorf("下游暂时不可用")
	})

	body, err := json.Marshal(testRebuildTask())
	require.NoError(t, err)

	assert.False(t, c.consume(context.Background(), body), "处理失败应重新入队")
}

// TestRebuildConsumerDropsMalformedMessage 畸形消息直接确认丢弃，处理器不被调用
func TestRebuildConsumerDropsMalformedMessage(t *testing.T) {
	called := false
	c := newTestConsumer(t, func(ctx context.Context, task *storage.RebuildTaskMessage) error {
		called = true
		return nil
	})

	assert.True(t, c.consume(context.Background(), []byte("{not json")), "畸形消息应确认丢弃")
	assert.True(t, c.consume(context.Background(), []byte(`{"decision_id":"d-1"}`)), "缺少缓存键的消息应确认丢弃")
	assert.False(t, called)
}

// TestWebhookDispatcherPostsTask 转发器把任务JSON POST给下游端点
func TestWebhookDispatcherPostsTask(t *testing.T) {
	var gotBody storage.RebuildTaskMessage
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL)
	require.NoError(t, d.Dispatch(context.Background(), testRebuildTask()))

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "d-123", gotBody.DecisionID)
	assert.Equal(t, "c3:abc", gotBody.CacheKey)
}

// TestWebhookDispatcherErrorOnBadStatus 下游非2xx状态视为失败
func TestWebhookDispatcherErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL)
	assert.Error(t, d.Dispatch(context.Background(), testRebuildTask()))
}
