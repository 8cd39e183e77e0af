package pipeline

import (
	"context"
	"math"
	"testing"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashingEmbedderDeterministic 相同文本必得相同向量
func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	v1, err := e.EmbedText(ctx, "ICU nurse, Dallas TX, $52/hr")
	require.NoError(t, err)
	v2, err := e.EmbedText(ctx, "ICU nurse, Dallas TX, $52/hr")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.InDelta(t, 0, cache.CosineDistance(v1, v2), 1e-9, "重复请求的余弦距离应为0")
}

// TestHashingEmbedderUnitNorm 输出为单位向量
func TestHashingEmbedderUnitNorm(t *testing.T) {
	e := NewHashingEmbedder(64)

	v, err := e.EmbedText(context.Background(), "some candidate text")
	require.NoError(t, err)
	require.Len(t, v, 64)

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

// TestHashingEmbedderSensitiveToContent 不同文本的向量应有可感知的距离
func TestHashingEmbedderSensitiveToContent(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	v1, err := e.EmbedText(ctx, "ICU nurse in Dallas")
	require.NoError(t, err)
	v2, err := e.EmbedText(ctx, "forklift operator in Reno")
	require.NoError(t, err)

	assert.Greater(t, cache.CosineDistance(v1, v2), 0.1)
}

// TestHashingEmbedderEdgeInputs 空文本与超短文本不panic
func TestHashingEmbedderEdgeInputs(t *testing.T) {
	e := NewHashingEmbedder(16)
	ctx := context.Background()

	v, err := e.EmbedText(ctx, "")
	require.NoError(t, err)
	assert.Len(t, v, 16)

	v, err = e.EmbedText(ctx, "ab")
	require.NoError(t, err)
	assert.Len(t, v, 16)
}

// TestHashingEmbedderDefaultDimensions 非法维度回退到64
func TestHashingEmbedderDefaultDimensions(t *testing.T) {
	assert.Equal(t, 64, NewHashingEmbedder(0).Dimensions())
	assert.Equal(t, 64, NewHashingEmbedder(-5).Dimensions())
	assert.Equal(t, 128, NewHashingEmbedder(128).Dimensions())
}

// TestNewHTTPEmbedderRequiresAPIKey 缺少API密钥时拒绝创建
func TestNewHTTPEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewHTTPEmbedder(config.EmbeddingConfig{})
	assert.Error(t, err)
}

// TestNewHTTPEmbedderDefaults 未配置时使用默认模型与端点
func TestNewHTTPEmbedderDefaults(t *testing.T) {
	e, err := NewHTTPEmbedder(config.EmbeddingConfig{APIKey: "sk-test", Dimensions: 1024})
	require.NoError(t, err)
	assert.Equal(t, 1024, e.Dimensions())
	assert.Equal(t, "text-embedding-v3", e.model)
}
