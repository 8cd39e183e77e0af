package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"c3-pipeline-go/internal/constants"
)

// BuildCacheKey 生成缓存键: "c3:" + sha256( sha256(规范记录JSON) + "|" + 生成上下文 )
// 两级哈希把工件身份同时绑定到记录内容和生成上下文上，
// 避免不同 client/channel/版本之间串用彼此的工件
func BuildCacheKey(canonicalJSON []byte, client, channel, templateVersion, modelID string) string {
	inner := sha256.Sum256(canonicalJSON)

	parts := []string{
		hex.EncodeToString(inner[:]),
		client,
		channel,
		templateVersion,
		modelID,
	}
	outer := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return constants.AppPrefix + ":" + hex.EncodeToString(outer[:])
}
