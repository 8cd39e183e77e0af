package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigFromYAML 验证YAML配置能被完整加载
func TestLoadConfigFromYAML(t *testing.T) {
	yamlContent := `
redis:
  address: "localhost:6379"
  pool_size: 20
c3:
  eps: 2.5
  delta: 0.05
  global_calib_window: 500
  selector_calib_window: 50
  min_ttl_seconds: 1800
  max_ttl_seconds: 86400
embedding:
  api_key: "sk-from-file"
  model: "text-embedding-v3"
  dimensions: 512
server:
  address: ":9090"
  api_key: "server-key"
`
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err, "无法创建临时目录")
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	assert.InDelta(t, 2.5, cfg.C3.Eps, 1e-9)
	assert.InDelta(t, 0.05, cfg.C3.Delta, 1e-9)
	assert.Equal(t, 500, cfg.C3.GlobalCalibWindow)
	assert.Equal(t, 50, cfg.C3.SelectorCalibWindow)
	assert.Equal(t, 1800, cfg.C3.MinTTLSeconds)
	assert.Equal(t, 86400, cfg.C3.MaxTTLSeconds)
	assert.Equal(t, 512, cfg.Embedding.Dimensions)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "server-key", cfg.Server.APIKey)
}

// TestLoadConfigAppliesDefaults 未配置的调优参数回落到默认值
func TestLoadConfigAppliesDefaults(t *testing.T) {
	yamlContent := `
redis:
  address: "localhost:6379"
`
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.InDelta(t, 3.0, cfg.C3.Eps, 1e-9, "默认eps")
	assert.InDelta(t, 0.1, cfg.C3.Delta, 1e-9, "默认delta")
	assert.Equal(t, 3600, cfg.C3.MinTTLSeconds)
	assert.Equal(t, 604800, cfg.C3.MaxTTLSeconds)
	assert.Equal(t, 256*1024, cfg.C3.ArtifactInlineLimitBytes)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10, cfg.RabbitMQ.PrefetchCount)
	assert.Equal(t, "text-embedding-v3", cfg.Embedding.Model)
}

// TestLoadConfigEnvOverrides 环境变量覆盖文件中的敏感配置
func TestLoadConfigEnvOverrides(t *testing.T) {
	yamlContent := `
embedding:
  api_key: "sk-from-file"
server:
  api_key: "key-from-file"
`
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("EMBEDDING_API_KEY", "sk-from-env")
	t.Setenv("C3_SERVER_API_KEY", "key-from-env")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Embedding.APIKey)
	assert.Equal(t, "key-from-env", cfg.Server.APIKey)
}

// TestLoadConfigTestEnvFallback 测试环境下找不到配置文件时返回默认配置而不报错
func TestLoadConfigTestEnvFallback(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(os.TempDir(), "definitely-missing-config.yaml"))
	require.NoError(t, err, "go test 下缺失配置应回落到默认配置")
	require.NotNil(t, cfg)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
}

// TestLoadConfigMalformedYAML 非法YAML返回错误
func TestLoadConfigMalformedYAML(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("redis: [broken"), 0644))

	_, err = LoadConfig(configPath)
	assert.Error(t, err)
}
