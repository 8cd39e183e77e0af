package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/constants"
	"c3-pipeline-go/internal/logger"
	"c3-pipeline-go/internal/tracing"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("c3-pipeline-go/storage/redis")

// Redis操作前缀采样率配置
var redisKeySamplingRates = map[string]float64{
	constants.AppPrefix + ":lock:": 0.5,  // 锁操作采样50%
	constants.AppPrefix + ":":      0.05, // 缓存条目操作采样5%
}

// 随机数生成器
var (
	rnd      *rand.Rand
	rndMutex sync.Mutex
)

func init() {
	source := rand.NewSource(time.Now().UnixNano())
	rnd = rand.New(source)
}

// shouldSampleRedisOp 根据key前缀决定是否需要创建span
func shouldSampleRedisOp(key string) bool {
	// key为空一定不采样
	if key == "" {
		return false
	}

	// 锁前缀比通用前缀更长，先匹配
	if strings.HasPrefix(key, constants.AppPrefix+":lock:") {
		return randFloat() < redisKeySamplingRates[constants.AppPrefix+":lock:"]
	}
	if strings.HasPrefix(key, constants.AppPrefix+":") {
		return randFloat() < redisKeySamplingRates[constants.AppPrefix+":"]
	}

	// 默认采样率5%
	return randFloat() < 0.05
}

// 生成0-1之间的随机数
func randFloat() float64 {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Float64()
}

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	// Ping to check connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// NewRedisAdapterFromClient 从外部注入的客户端创建适配器（测试用）
func NewRedisAdapterFromClient(client *redis.Client) *Redis {
	return &Redis{
		Client: client,
		config: &config.RedisConfig{},
	}
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// LoadCacheEntry 从Redis HASH中加载并解码一个缓存条目。
// key不存在、记录不完整或任一字段解码失败都统一按缓存未命中处理（返回 nil, nil），
// 损坏的条目绝不能阻塞调用方的内容生成路径。
func (r *Redis) LoadCacheEntry(ctx context.Context, key string) (*cache.CacheEntry, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.LoadCacheEntry", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.operation", "HGETALL"),
			attribute.String("db.redis.key", tracing.TruncateString(key, tracing.MaxRedisLength)),
		)
	}

	fields, err := r.Client.HGetAll(ctx, key).Result()
	if err != nil {
		if span != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		}
		return nil, fmt.Errorf("读取缓存条目失败: %w", err)
	}

	// HGetAll 对不存在的key返回空map，等同未命中
	if len(fields) == 0 {
		if span != nil {
			span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
			span.SetStatus(codes.Ok, "key not found")
		}
		return nil, nil
	}

	entry, err := decodeCacheEntry(fields)
	if err != nil {
		// 损坏或部分写入的条目：记录并降级为未命中
		logger.Warn().Err(err).Str("key", key).Msg("缓存条目解码失败，按未命中处理")
		if span != nil {
			span.SetAttributes(attribute.Bool("db.redis.entry_corrupt", true))
			span.SetStatus(codes.Ok, "corrupt entry treated as miss")
		}
		return nil, nil
	}

	if span != nil {
		span.SetAttributes(
			attribute.Bool("db.redis.key_exists", true),
			attribute.Int("db.redis.artifact_length", len(entry.Artifact)),
		)
		span.SetStatus(codes.Ok, "")
	}
	return entry, nil
}

// SaveCacheEntry 将缓存条目整体编码后写入Redis HASH并设置过期时间。
// 单个pipeline内完成HSET和EXPIRE，保证对每个key的整条写入是原子的。
func (r *Redis) SaveCacheEntry(ctx context.Context, key string, entry *cache.CacheEntry, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	if entry == nil {
		return fmt.Errorf("缓存条目不能为空")
	}

	var span trace.Span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.SaveCacheEntry", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.operation", "HSET"),
			attribute.String("db.redis.key", tracing.TruncateString(key, tracing.MaxRedisLength)),
			attribute.Int64("db.redis.expiration_ms", ttl.Milliseconds()),
		)
	}

	encoded, err := encodeCacheEntry(entry)
	if err != nil {
		if span != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		}
		return fmt.Errorf("编码缓存条目失败: %w", err)
	}

	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, key, encoded)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if span != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		}
		return fmt.Errorf("写入缓存条目失败: %w", err)
	}

	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// DeleteCacheEntry 删除一个缓存条目（主动失效）
func (r *Redis) DeleteCacheEntry(ctx context.Context, key string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	if err := r.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("删除缓存条目失败: %w", err)
	}
	return nil
}

// encodeCacheEntry 将条目编码为HASH字段集
// 工件按原始字节存储，结构化字段存JSON字符串，阈值存字符串编码的浮点数
func encodeCacheEntry(entry *cache.CacheEntry) (map[string]interface{}, error) {
	dcJSON, err := json.Marshal(entry.DC)
	if err != nil {
		return nil, fmt.Errorf("序列化依赖证书失败: %w", err)
	}
	probesJSON, err := json.Marshal(entry.Probes)
	if err != nil {
		return nil, fmt.Errorf("序列化探针记录失败: %w", err)
	}
	calibJSON, err := json.Marshal(entry.CalibScores)
	if err != nil {
		return nil, fmt.Errorf("序列化校准观测失败: %w", err)
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return nil, fmt.Errorf("序列化元信息失败: %w", err)
	}
	ttlJSON, err := json.Marshal(entry.SelectorTTL)
	if err != nil {
		return nil, fmt.Errorf("序列化BDAT状态失败: %w", err)
	}
	selCalJSON, err := json.Marshal(entry.SelectorCalib)
	if err != nil {
		return nil, fmt.Errorf("序列化选择器校准观测失败: %w", err)
	}

	return map[string]interface{}{
		constants.FieldArtifact:    entry.Artifact,
		constants.FieldCertificate: dcJSON,
		constants.FieldProbes:      probesJSON,
		constants.FieldCalib:       calibJSON,
		constants.FieldTauDelta:    strconv.FormatFloat(entry.TauDelta, 'g', -1, 64),
		constants.FieldMeta:        metaJSON,
		constants.FieldSelectorTTL: ttlJSON,
		constants.FieldSelectorCal: selCalJSON,
	}, nil
}

// decodeCacheEntry 从HASH字段集还原条目，任何字段缺失或损坏都返回错误
func decodeCacheEntry(fields map[string]string) (*cache.CacheEntry, error) {
	required := []string{
		constants.FieldArtifact,
		constants.FieldCertificate,
		constants.FieldProbes,
		constants.FieldCalib,
		constants.FieldTauDelta,
		constants.FieldMeta,
		constants.FieldSelectorTTL,
		constants.FieldSelectorCal,
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("缓存条目缺少字段 %s", f)
		}
	}

	entry := &cache.CacheEntry{
		Artifact: []byte(fields[constants.FieldArtifact]),
	}

	if err := json.Unmarshal([]byte(fields[constants.FieldCertificate]), &entry.DC); err != nil {
		return nil, fmt.Errorf("反序列化依赖证书失败: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[constants.FieldProbes]), &entry.Probes); err != nil {
		return nil, fmt.Errorf("反序列化探针记录失败: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[constants.FieldCalib]), &entry.CalibScores); err != nil {
		return nil, fmt.Errorf("反序列化校准观测失败: %w", err)
	}
	tau, err := strconv.ParseFloat(fields[constants.FieldTauDelta], 64)
	if err != nil {
		return nil, fmt.Errorf("反序列化全局阈值失败: %w", err)
	}
	entry.TauDelta = tau
	if err := json.Unmarshal([]byte(fields[constants.FieldMeta]), &entry.Meta); err != nil {
		return nil, fmt.Errorf("反序列化元信息失败: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[constants.FieldSelectorTTL]), &entry.SelectorTTL); err != nil {
		return nil, fmt.Errorf("反序列化BDAT状态失败: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[constants.FieldSelectorCal]), &entry.SelectorCalib); err != nil {
		return nil, fmt.Errorf("反序列化选择器校准观测失败: %w", err)
	}

	return entry, nil
}

// AcquireLock 尝试获取一个分布式锁
// 需要精确校准计数的调用方可以在条目的读-改-写周期中持有该锁；
// 引擎本身不加锁（最后写入者胜出，见服务层说明）
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	// 生成一个随机值作为锁的持有者标识
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	// 尝试设置一个带过期时间的key，NX保证了原子性
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	// 未能获取锁
	return "", nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证原子性
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	// Lua脚本: 如果key存在且值匹配，则删除key
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}

	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}

	return false, nil // 锁不存在或不属于当前持有者
}

// EntryLockKey 返回某个缓存键对应的锁键
func EntryLockKey(cacheKey string) string {
	digest := strings.TrimPrefix(cacheKey, constants.AppPrefix+":")
	return fmt.Sprintf(constants.KeyCacheEntryLock, digest)
}
