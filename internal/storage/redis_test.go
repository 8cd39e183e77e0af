package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/constants"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 启动一个miniredis并返回适配器
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisAdapterFromClient(client), mr
}

// 构造一个字段齐全的条目用于持久化测试
func fullTestEntry() *cache.CacheEntry {
	dc := cache.DependencyCertificate{
		Spans: map[string][]cache.Span{
			"headline": {{Start: 0, End: 40}},
			"bullets":  {{Start: 40, End: 200}, {Start: 200, End: 320}},
		},
		Invariants: map[string]string{
			"comp": `\$\d+/hr`,
		},
		SelectorTau: map[string]float64{
			"headline": 0.42,
		},
	}
	meta := cache.EntryMeta{
		Embedding:       []float64{0.1, -0.2, 0.3},
		Fields:          map[string]string{"role_family": "nurse", "geo": "TX"},
		CreatedAt:       time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		TemplateVersion: "v3",
		ModelID:         "gpt-x",
	}
	entry := cache.NewCacheEntry([]byte("artifact-payload"), dc, meta)
	entry.AddProbe("bullets", cache.ProbeRecord{Edit: "shift availability block", SpanDelta: 4})
	entry.CalibScores = []cache.CalibPoint{
		{Score: 0.1, SpanError: 0},
		{Score: 0.9, SpanError: 5},
	}
	entry.SelectorCalib["headline"] = []cache.CalibPoint{{Score: 0.3, SpanError: 1}}
	entry.SelectorTTL["headline"] = cache.SelectorTTLState{Alpha: 4.5, Beta: 5.5, LastSampledTTL: 7200}
	return entry
}

// TestSaveLoadRoundTrip 条目写入再读出后所有状态逐字段一致
func TestSaveLoadRoundTrip(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	entry := fullTestEntry()

	key := cache.BuildCacheKey([]byte(`{"geo":"TX"}`), "acme", "email", "v3", "gpt-x")
	require.NoError(t, r.SaveCacheEntry(ctx, key, entry, time.Hour))

	loaded, err := r.LoadCacheEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, entry.Artifact, loaded.Artifact)
	assert.Equal(t, entry.DC.Spans, loaded.DC.Spans)
	assert.Equal(t, entry.DC.Invariants, loaded.DC.Invariants)
	assert.InDelta(t, 0.42, loaded.DC.SelectorTau["headline"], 1e-12)
	assert.Equal(t, entry.Probes, loaded.Probes)
	assert.Equal(t, entry.CalibScores, loaded.CalibScores)
	assert.True(t, math.IsInf(loaded.TauDelta, 1), "新条目的+Inf阈值应无损往返")
	assert.True(t, entry.Meta.CreatedAt.Equal(loaded.Meta.CreatedAt))
	assert.Equal(t, entry.Meta.Embedding, loaded.Meta.Embedding)
	assert.Equal(t, entry.Meta.TemplateVersion, loaded.Meta.TemplateVersion)
	assert.Equal(t, entry.SelectorTTL, loaded.SelectorTTL)
	assert.Equal(t, entry.SelectorCalib, loaded.SelectorCalib)
}

// TestSaveSetsExpiry 保存时设置的TTL生效
func TestSaveSetsExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	key := "c3:abc"
	require.NoError(t, r.SaveCacheEntry(ctx, key, fullTestEntry(), 2*time.Hour))

	ttl := mr.TTL(key)
	assert.Equal(t, 2*time.Hour, ttl)
}

// TestSaveFiniteTauRoundTrip 校准后的有限阈值同样无损往返
func TestSaveFiniteTauRoundTrip(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	entry := fullTestEntry()
	entry.TauDelta = 0.7351

	key := "c3:finite-tau"
	require.NoError(t, r.SaveCacheEntry(ctx, key, entry, time.Hour))

	loaded, err := r.LoadCacheEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.InDelta(t, 0.7351, loaded.TauDelta, 1e-12)
}

// TestLoadMissingKey 不存在的键按未命中处理
func TestLoadMissingKey(t *testing.T) {
	r, _ := newTestRedis(t)

	entry, err := r.LoadCacheEntry(context.Background(), "c3:no-such-key")
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

// TestLoadIncompleteEntryTreatedAsMiss 字段残缺的条目降级为未命中而不是报错
func TestLoadIncompleteEntryTreatedAsMiss(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	key := "c3:partial"
	mr.HSet(key, constants.FieldArtifact, "only-artifact")

	entry, err := r.LoadCacheEntry(ctx, key)
	assert.NoError(t, err, "损坏条目不应阻塞调用方")
	assert.Nil(t, entry)
}

// TestLoadCorruptFieldTreatedAsMiss 单个字段JSON损坏同样按未命中处理
func TestLoadCorruptFieldTreatedAsMiss(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	key := "c3:corrupt"
	require.NoError(t, r.SaveCacheEntry(ctx, key, fullTestEntry(), time.Hour))
	mr.HSet(key, constants.FieldCertificate, "{not json")

	entry, err := r.LoadCacheEntry(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

// TestDeleteCacheEntry 删除后再读取为未命中
func TestDeleteCacheEntry(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	key := "c3:to-delete"
	require.NoError(t, r.SaveCacheEntry(ctx, key, fullTestEntry(), time.Hour))
	require.NoError(t, r.DeleteCacheEntry(ctx, key))

	entry, err := r.LoadCacheEntry(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

// TestAcquireReleaseLock 锁的获取、互斥与释放
func TestAcquireReleaseLock(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	lockKey := EntryLockKey("c3:somedigest")
	assert.Equal(t, "c3:lock:somedigest", lockKey)

	value, err := r.AcquireLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, value, "首次获取应成功")

	// 第二次获取失败
	second, err := r.AcquireLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	// 错误的持有者无法释放
	released, err := r.ReleaseLock(ctx, lockKey, "wrong-holder")
	require.NoError(t, err)
	assert.False(t, released)

	// 正确的持有者释放后可以重新获取
	released, err = r.ReleaseLock(ctx, lockKey, value)
	require.NoError(t, err)
	assert.True(t, released)

	third, err := r.AcquireLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, third)
}
