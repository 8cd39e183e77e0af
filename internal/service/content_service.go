package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/logger"
	"c3-pipeline-go/internal/pipeline"
	"c3-pipeline-go/internal/storage"
	"c3-pipeline-go/internal/storage/models"
	"c3-pipeline-go/internal/tracing"
	"c3-pipeline-go/internal/types"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
)

var serviceTracer = otel.Tracer("c3-pipeline-go/service")

// ResultMiss 表示缓存中没有该键的条目，调用方需生成工件后调用Register建档
const ResultMiss = "miss"

// DecideRequest 一次重用决策请求
type DecideRequest struct {
	// RawRecord 上游候选人记录的原始JSON
	RawRecord json.RawMessage `json:"raw_record"`
	// Context 生成上下文
	Context types.GenerationContext `json:"context"`
	// TouchedSelectors 本次请求实际触达的选择器
	TouchedSelectors []string `json:"touched_selectors"`
}

// DecideResult 决策结果
type DecideResult struct {
	// DecisionID 本次决策的唯一标识，回报结果时用于审计关联
	DecisionID string `json:"decision_id"`
	// CacheKey 本次请求落到的缓存键
	CacheKey string `json:"cache_key"`
	// Mode reuse / rebuild / miss
	Mode string `json:"mode"`
	// Artifact 在 reuse 模式下为完整工件
	Artifact []byte `json:"artifact,omitempty"`
	// DirtySelectors / DirtySpans 在 rebuild 模式下为待重建范围
	DirtySelectors []string     `json:"dirty_selectors,omitempty"`
	DirtySpans     []cache.Span `json:"dirty_spans,omitempty"`
	// Score 本次请求的失配分数
	Score float64 `json:"score"`
}

// OutcomeReport 决策执行后的校准回报
type OutcomeReport struct {
	DecisionID string `json:"decision_id"`
	CacheKey   string `json:"cache_key"`
	// RequestScore 决策时刻的分数（DecideResult.Score原样回传）
	RequestScore float64 `json:"request_score"`
	// RealizedSpanError 事后观测到的真实span误差
	RealizedSpanError float64 `json:"realized_span_error"`
	// TouchedSelectors 参与本次决策的选择器，各自获得一条选择器级校准观测
	TouchedSelectors []string `json:"touched_selectors"`
	// Staleness 选择器过期观测，驱动BDAT参数调整
	Staleness []types.StalenessReport `json:"staleness,omitempty"`
}

// RegisterRequest 工件建档请求
type RegisterRequest struct {
	RawRecord json.RawMessage         `json:"raw_record"`
	Context   types.GenerationContext `json:"context"`
	// Artifact 新生成的序列化工件
	Artifact []byte `json:"artifact"`
	// Certificate 依赖证书
	Certificate cache.DependencyCertificate `json:"certificate"`
}

// ContentCacheService 决策引擎的服务门面
// 串起 规范化 -> 嵌入 -> 缓存键 -> 决策 -> 重建任务/审计 的完整链路
type ContentCacheService struct {
	storage    *storage.Storage
	embedder   pipeline.TextEmbedder
	normalizer *pipeline.Normalizer
	cfg        *config.Config
}

// NewContentCacheService 创建服务实例
func NewContentCacheService(st *storage.Storage, embedder pipeline.TextEmbedder, cfg *config.Config) (*ContentCacheService, error) {
	if st == nil || st.Redis == nil {
		return nil, fmt.Errorf("存储管理器及Redis不能为空")
	}
	if embedder == nil {
		return nil, fmt.Errorf("嵌入器不能为空")
	}
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	return &ContentCacheService{
		storage:    st,
		embedder:   embedder,
		normalizer: pipeline.NewNormalizer(),
		cfg:        cfg,
	}, nil
}

// prepare 规范化记录并计算嵌入与缓存键，Decide和Register共用
func (s *ContentCacheService) prepare(ctx context.Context, rawRecord []byte, genCtx types.GenerationContext) (*types.NormalizedRecord, []float64, string, error) {
	record, err := s.normalizer.Normalize(rawRecord)
	if err != nil {
		return nil, nil, "", fmt.Errorf("规范化记录失败: %w", err)
	}

	// 生成上下文的模板版本是权威来源，覆盖记录自带的字段值，
	// 保证漂移项和模板项对同一个版本做比较
	if genCtx.TemplateVersion != "" {
		record.Fields["template_version"] = genCtx.TemplateVersion
	}

	embedding, err := s.embedder.EmbedText(ctx, record.Text)
	if err != nil {
		return nil, nil, "", fmt.Errorf("计算嵌入失败: %w", err)
	}

	key := cache.BuildCacheKey(record.CanonicalJSON, genCtx.Client, genCtx.Channel, genCtx.TemplateVersion, genCtx.ModelID)
	return record, embedding, key, nil
}

// Decide 对一次内容请求做重用/重建决策
// 缓存未命中（含条目损坏）返回 Mode=miss，调用方生成工件后应调用Register
func (s *ContentCacheService) Decide(ctx context.Context, req *DecideRequest) (*DecideResult, error) {
	ctx, span := serviceTracer.Start(ctx, "ContentCacheService.Decide")
	defer span.End()

	record, embedding, key, err := s.prepare(ctx, req.RawRecord, req.Context)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("c3.cache_key", tracing.TruncateString(key, tracing.MaxRedisLength)),
		attribute.Int("c3.touched_selectors", len(req.TouchedSelectors)),
	)

	decisionID, err := uuid.NewV4()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, fmt.Errorf("生成决策ID失败: %w", err)
	}

	entry, err := s.storage.Redis.LoadCacheEntry(ctx, key)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, err
	}
	if entry == nil {
		span.SetAttributes(attribute.String("c3.mode", ResultMiss))
		span.SetStatus(codes.Ok, "")
		result := &DecideResult{
			DecisionID: decisionID.String(),
			CacheKey:   key,
			Mode:       ResultMiss,
		}
		s.auditOutcome(ctx, result, req.Context, nil)
		return result, nil
	}

	cacheReq := &cache.Request{
		Embedding:        embedding,
		Fields:           record.Fields,
		TouchedSelectors: req.TouchedSelectors,
	}
	decision := cache.Decide(cacheReq, entry, s.cfg.C3.Eps)

	result := &DecideResult{
		DecisionID:     decisionID.String(),
		CacheKey:       key,
		Mode:           string(decision.Mode),
		DirtySelectors: decision.DirtySelectors,
		DirtySpans:     decision.DirtySpans,
		Score:          decision.Score,
	}

	switch decision.Mode {
	case cache.ModeReuse:
		artifact, err := s.resolveArtifact(ctx, decision.Artifact)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
			return nil, err
		}
		result.Artifact = artifact

	case cache.ModeRebuild:
		s.publishRebuildTask(ctx, result, req.Context)
	}

	s.auditOutcome(ctx, result, req.Context, entry)

	logger.Debug().
		Str("decision_id", result.DecisionID).
		Str("mode", result.Mode).
		Float64("score", result.Score).
		Int("dirty_selectors", len(result.DirtySelectors)).
		Msg("重用决策完成")

	span.SetAttributes(
		attribute.String("c3.mode", result.Mode),
		attribute.Float64("c3.score", result.Score),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// resolveArtifact 将对象存储指针展开为真实工件，内联工件原样返回
func (s *ContentCacheService) resolveArtifact(ctx context.Context, artifact []byte) ([]byte, error) {
	if !storage.IsArtifactPointer(artifact) {
		return artifact, nil
	}
	if s.storage.MinIO == nil {
		return nil, fmt.Errorf("工件已溢出到对象存储但MinIO未初始化")
	}
	data, err := s.storage.MinIO.GetArtifact(ctx, string(artifact))
	if err != nil {
		return nil, fmt.Errorf("取回溢出工件失败: %w", err)
	}
	return data, nil
}

// publishRebuildTask 把重建任务投递到消息队列，失败只记日志不阻断决策
func (s *ContentCacheService) publishRebuildTask(ctx context.Context, result *DecideResult, genCtx types.GenerationContext) {
	if s.storage.RabbitMQ == nil {
		return
	}
	task := &storage.RebuildTaskMessage{
		DecisionID:      result.DecisionID,
		CacheKey:        result.CacheKey,
		Client:          genCtx.Client,
		Channel:         genCtx.Channel,
		TemplateVersion: genCtx.TemplateVersion,
		ModelID:         genCtx.ModelID,
		DirtySelectors:  result.DirtySelectors,
		DirtySpans:      result.DirtySpans,
		Score:           result.Score,
		RequestedAt:     time.Now(),
	}
	if err := s.storage.RabbitMQ.PublishRebuildTask(ctx, task); err != nil {
		logger.Error().Err(err).
			Str("decision_id", result.DecisionID).
			Msg("发布重建任务失败")
	}
}

// auditOutcome 写入决策审计记录，失败只记日志不阻断决策
func (s *ContentCacheService) auditOutcome(ctx context.Context, result *DecideResult, genCtx types.GenerationContext, entry *cache.CacheEntry) {
	if s.storage.MySQL == nil {
		return
	}

	outcome := &models.CacheOutcome{
		DecisionID:      result.DecisionID,
		CacheKey:        result.CacheKey,
		Mode:            result.Mode,
		Score:           result.Score,
		Client:          genCtx.Client,
		Channel:         genCtx.Channel,
		TemplateVersion: genCtx.TemplateVersion,
		ModelID:         genCtx.ModelID,
	}
	// +Inf 无法落库，存为NULL
	if entry != nil && entry.TauDelta != cache.TauInfinite {
		tau := entry.TauDelta
		outcome.TauDelta = &tau
	}
	if len(result.DirtySelectors) > 0 {
		if b, err := json.Marshal(result.DirtySelectors); err == nil {
			outcome.DirtySelectorsJSON = datatypes.JSON(b)
		}
	}

	if err := s.storage.MySQL.RecordOutcome(ctx, outcome); err != nil {
		logger.Error().Err(err).
			Str("decision_id", result.DecisionID).
			Msg("写入决策审计失败")
	}
}

// ReportOutcome 回报一次决策的真实结果，更新校准窗口、阈值和BDAT参数后回写条目
// 读-改-写周期尝试持有条目锁；拿不到锁时仍然执行（最后写入者胜出），
// 偶发丢失一两条校准观测对滑动窗口统计无实质影响
func (s *ContentCacheService) ReportOutcome(ctx context.Context, report *OutcomeReport) error {
	ctx, span := serviceTracer.Start(ctx, "ContentCacheService.ReportOutcome")
	defer span.End()

	if report.CacheKey == "" {
		err := fmt.Errorf("缓存键不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}
	span.SetAttributes(
		attribute.String("c3.cache_key", tracing.TruncateString(report.CacheKey, tracing.MaxRedisLength)),
		attribute.Float64("c3.realized_span_error", report.RealizedSpanError),
	)

	lockKey := storage.EntryLockKey(report.CacheKey)
	lockValue, err := s.storage.Redis.AcquireLock(ctx, lockKey, 5*time.Second)
	if err != nil {
		logger.Warn().Err(err).Str("key", report.CacheKey).Msg("获取条目锁失败，降级为无锁回写")
	}
	if lockValue != "" {
		defer func() {
			if _, err := s.storage.Redis.ReleaseLock(ctx, lockKey, lockValue); err != nil {
				logger.Warn().Err(err).Str("key", report.CacheKey).Msg("释放条目锁失败")
			}
		}()
	}

	entry, err := s.storage.Redis.LoadCacheEntry(ctx, report.CacheKey)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}
	if entry == nil {
		err := fmt.Errorf("缓存条目不存在或已过期: %s", report.CacheKey)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	// 全局与选择器级校准
	cache.UpdateCalibration(entry, report.RequestScore, report.RealizedSpanError,
		s.cfg.C3.Eps, s.cfg.C3.Delta, s.cfg.C3.GlobalCalibWindow)
	for _, selector := range report.TouchedSelectors {
		cache.UpdateSelectorCalibration(entry, selector, report.RequestScore, report.RealizedSpanError,
			s.cfg.C3.Eps, s.cfg.C3.Delta, s.cfg.C3.SelectorCalibWindow)
	}

	// BDAT参数调整与TTL重采样
	for _, obs := range report.Staleness {
		cache.UpdateSelectorTTLParams(entry, obs.Selector, obs.WasStale, obs.ActualTTL)
		entry.SampleSelectorTTL(obs.Selector, s.cfg.C3.MinTTLSeconds, s.cfg.C3.MaxTTLSeconds)
		s.auditStaleness(ctx, report.CacheKey, obs, entry)
	}

	if err := s.storage.Redis.SaveCacheEntry(ctx, report.CacheKey, entry, s.entryTTL(entry)); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}

	// 回填审计记录的真实误差
	if s.storage.MySQL != nil && report.DecisionID != "" {
		if err := s.storage.MySQL.FillOutcomeError(ctx, report.DecisionID, report.RealizedSpanError); err != nil {
			logger.Warn().Err(err).
				Str("decision_id", report.DecisionID).
				Msg("回填决策审计误差失败")
		}
	}

	logger.Debug().
		Str("key", report.CacheKey).
		Float64("tau_delta", entry.TauDelta).
		Int("calib_points", len(entry.CalibScores)).
		Msg("校准回报完成")

	span.SetStatus(codes.Ok, "")
	return nil
}

// auditStaleness 写入选择器过期观测，失败只记日志
func (s *ContentCacheService) auditStaleness(ctx context.Context, cacheKey string, obs types.StalenessReport, entry *cache.CacheEntry) {
	if s.storage.MySQL == nil {
		return
	}
	state := entry.SelectorTTL[obs.Selector]
	row := &models.SelectorStaleness{
		CacheKey:          cacheKey,
		Selector:          obs.Selector,
		WasStale:          obs.WasStale,
		ActualTTLSeconds:  obs.ActualTTL,
		SampledTTLSeconds: state.LastSampledTTL,
		AlphaAfter:        state.Alpha,
		BetaAfter:         state.Beta,
	}
	if err := s.storage.MySQL.RecordStaleness(ctx, row); err != nil {
		logger.Warn().Err(err).
			Str("key", cacheKey).
			Str("selector", obs.Selector).
			Msg("写入过期观测失败")
	}
}

// Register 为新生成的工件建档
// 超过内联上限的工件溢出到对象存储，条目里只存指针
func (s *ContentCacheService) Register(ctx context.Context, req *RegisterRequest) (string, error) {
	ctx, span := serviceTracer.Start(ctx, "ContentCacheService.Register")
	defer span.End()

	if len(req.Artifact) == 0 {
		err := fmt.Errorf("工件不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return "", err
	}

	record, embedding, key, err := s.prepare(ctx, req.RawRecord, req.Context)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return "", err
	}
	span.SetAttributes(
		attribute.String("c3.cache_key", tracing.TruncateString(key, tracing.MaxRedisLength)),
		attribute.Int("c3.artifact_bytes", len(req.Artifact)),
	)

	meta := cache.EntryMeta{
		Embedding:       embedding,
		Fields:          record.Fields,
		CreatedAt:       time.Now(),
		TemplateVersion: req.Context.TemplateVersion,
		ModelID:         req.Context.ModelID,
	}
	entry := cache.NewCacheEntry(req.Artifact, req.Certificate, meta)

	// 为证书中的每个选择器按默认先验采样初始TTL
	for selector := range entry.DC.Spans {
		entry.SampleSelectorTTL(selector, s.cfg.C3.MinTTLSeconds, s.cfg.C3.MaxTTLSeconds)
	}

	// 超大工件溢出到对象存储
	if len(req.Artifact) > s.cfg.C3.ArtifactInlineLimitBytes && s.storage.MinIO != nil {
		pointer, err := s.storage.MinIO.PutArtifact(ctx, key, req.Artifact)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
			return "", fmt.Errorf("溢出工件到对象存储失败: %w", err)
		}
		entry.Artifact = []byte(pointer)
		span.SetAttributes(attribute.Bool("c3.artifact_offloaded", true))
	}

	if err := s.storage.Redis.SaveCacheEntry(ctx, key, entry, s.entryTTL(entry)); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return "", err
	}

	logger.Info().
		Str("key", key).
		Int("selectors", len(entry.DC.Spans)).
		Int("artifact_bytes", len(req.Artifact)).
		Msg("工件建档完成")

	span.SetStatus(codes.Ok, "")
	return key, nil
}

// Invalidate 删除缓存条目，工件已溢出到对象存储时一并清理
// 对象清理失败只记日志：存储桶的生命周期规则会兜底回收残留对象
func (s *ContentCacheService) Invalidate(ctx context.Context, cacheKey string) error {
	ctx, span := serviceTracer.Start(ctx, "ContentCacheService.Invalidate")
	defer span.End()

	if cacheKey == "" {
		err := fmt.Errorf("缓存键不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}
	span.SetAttributes(attribute.String("c3.cache_key", tracing.TruncateString(cacheKey, tracing.MaxRedisLength)))

	entry, err := s.storage.Redis.LoadCacheEntry(ctx, cacheKey)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}
	if entry != nil && storage.IsArtifactPointer(entry.Artifact) && s.storage.MinIO != nil {
		if err := s.storage.MinIO.DeleteArtifact(ctx, string(entry.Artifact)); err != nil {
			logger.Warn().Err(err).
				Str("key", cacheKey).
				Str("pointer", string(entry.Artifact)).
				Msg("清理溢出工件失败，留给生命周期规则回收")
		}
	}

	if err := s.storage.Redis.DeleteCacheEntry(ctx, cacheKey); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}

	logger.Info().Str("key", cacheKey).Msg("缓存条目已失效")
	span.SetStatus(codes.Ok, "")
	return nil
}

// RecordProbe 追加一条选择器探针观测并回写条目
// 传ttl=0保留条目现有过期时间
func (s *ContentCacheService) RecordProbe(ctx context.Context, cacheKey, selector string, probe cache.ProbeRecord) error {
	entry, err := s.storage.Redis.LoadCacheEntry(ctx, cacheKey)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("缓存条目不存在或已过期: %s", cacheKey)
	}
	entry.AddProbe(selector, probe)
	return s.storage.Redis.SaveCacheEntry(ctx, cacheKey, entry, 0)
}

// entryTTL 取各选择器最近采样TTL的最大值并钳到配置边界
// 条目的Redis过期时间由BDAT采样驱动：最乐观的选择器决定整条记录还能活多久
func (s *ContentCacheService) entryTTL(entry *cache.CacheEntry) time.Duration {
	maxTTL := 0
	for _, state := range entry.SelectorTTL {
		if state.LastSampledTTL > maxTTL {
			maxTTL = state.LastSampledTTL
		}
	}
	if maxTTL <= 0 {
		maxTTL = s.cfg.C3.MaxTTLSeconds
	}
	if maxTTL < s.cfg.C3.MinTTLSeconds {
		maxTTL = s.cfg.C3.MinTTLSeconds
	}
	if maxTTL > s.cfg.C3.MaxTTLSeconds {
		maxTTL = s.cfg.C3.MaxTTLSeconds
	}
	return time.Duration(maxTTL) * time.Second
}
