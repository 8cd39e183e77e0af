package constants

// Redis Key 前缀和格式常量
// 缓存条目的键由 cache.BuildCacheKey 直接生成: c3:{digest}
// 这里只定义围绕该键派生的辅助键格式
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "c3"

	// KeyCacheEntryLock 缓存条目的写锁 (STRING)
	// 需要精确校准计数的调用方可以选择在读-改-写周期中持有该锁
	// 格式: c3:lock:{digest}
	KeyCacheEntryLock = AppPrefix + ":lock:%s"
)

// Redis HASH 中缓存条目的字段名，与持久化的字段集一一对应
const (
	FieldArtifact    = "artifact"     // 工件本体（或 minio:// 指针）
	FieldCertificate = "dc"           // 依赖证书 (JSON: spans/invariants/selector_tau)
	FieldProbes      = "probes"       // 探针记录 (JSON)
	FieldCalib       = "calib"        // 全局校准观测序列 (JSON二元组数组)
	FieldTauDelta    = "tau_delta"    // 全局保形阈值（字符串编码的浮点数）
	FieldMeta        = "meta"         // 元信息 (JSON: 嵌入向量/规范字段/创建时间/版本)
	FieldSelectorTTL = "selector_ttl" // 各选择器的BDAT参数 (JSON)
	FieldSelectorCal = "selector_cal" // 各选择器的校准观测序列 (JSON)
)
