package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBuildCacheKeyFormat 缓存键为 c3: 前缀加64位十六进制摘要
func TestBuildCacheKeyFormat(t *testing.T) {
	key := BuildCacheKey([]byte(`{"name":"a"}`), "acme", "email", "v3", "gpt-x")

	assert.True(t, strings.HasPrefix(key, "c3:"))
	digest := strings.TrimPrefix(key, "c3:")
	assert.Len(t, digest, 64)
	_, err := hex.DecodeString(digest)
	assert.NoError(t, err, "摘要部分应是合法的十六进制")
}

// TestBuildCacheKeyDeterministic 相同输入必得相同键
func TestBuildCacheKeyDeterministic(t *testing.T) {
	record := []byte(`{"geo":"TX","name":"jane"}`)
	k1 := BuildCacheKey(record, "acme", "email", "v3", "gpt-x")
	k2 := BuildCacheKey(record, "acme", "email", "v3", "gpt-x")
	assert.Equal(t, k1, k2)
}

// TestBuildCacheKeyDerivation 键的派生方式固定:
// sha256( hex(sha256(record)) + "|" + client + "|" + channel + "|" + version + "|" + model )
func TestBuildCacheKeyDerivation(t *testing.T) {
	record := []byte(`{"geo":"TX"}`)
	inner := sha256.Sum256(record)
	payload := hex.EncodeToString(inner[:]) + "|acme|email|v3|gpt-x"
	outer := sha256.Sum256([]byte(payload))
	expected := "c3:" + hex.EncodeToString(outer[:])

	assert.Equal(t, expected, BuildCacheKey(record, "acme", "email", "v3", "gpt-x"))
}

// TestBuildCacheKeyContextSeparation 任一上下文维度不同都落到不同的键
func TestBuildCacheKeyContextSeparation(t *testing.T) {
	record := []byte(`{"geo":"TX"}`)
	base := BuildCacheKey(record, "acme", "email", "v3", "gpt-x")

	assert.NotEqual(t, base, BuildCacheKey(record, "globex", "email", "v3", "gpt-x"), "client不同")
	assert.NotEqual(t, base, BuildCacheKey(record, "acme", "sms", "v3", "gpt-x"), "channel不同")
	assert.NotEqual(t, base, BuildCacheKey(record, "acme", "email", "v4", "gpt-x"), "模板版本不同")
	assert.NotEqual(t, base, BuildCacheKey(record, "acme", "email", "v3", "gpt-y"), "模型不同")
	assert.NotEqual(t, base, BuildCacheKey([]byte(`{"geo":"CA"}`), "acme", "email", "v3", "gpt-x"), "记录不同")
}
