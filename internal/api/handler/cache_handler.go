package handler

import (
	"context"
	"fmt"

	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/logger"
	"c3-pipeline-go/internal/service"
	"c3-pipeline-go/internal/storage"
)

// CacheHandler 决策引擎的HTTP处理器
type CacheHandler struct {
	cfg     *config.Config
	storage *storage.Storage
	service *service.ContentCacheService
}

// NewCacheHandler 创建处理器
func NewCacheHandler(cfg *config.Config, st *storage.Storage, svc *service.ContentCacheService) *CacheHandler {
	return &CacheHandler{
		cfg:     cfg,
		storage: st,
		service: svc,
	}
}

// HandleDecide 处理重用决策请求
func (h *CacheHandler) HandleDecide(ctx context.Context, req *service.DecideRequest) (*service.DecideResult, error) {
	if len(req.RawRecord) == 0 {
		return nil, fmt.Errorf("raw_record不能为空")
	}
	if req.Context.Client == "" || req.Context.Channel == "" {
		return nil, fmt.Errorf("client和channel不能为空")
	}

	result, err := h.service.Decide(ctx, req)
	if err != nil {
		logger.Error().Err(err).
			Str("client", req.Context.Client).
			Str("channel", req.Context.Channel).
			Msg("重用决策失败")
		return nil, err
	}
	return result, nil
}

// HandleOutcome 处理校准回报请求
func (h *CacheHandler) HandleOutcome(ctx context.Context, report *service.OutcomeReport) error {
	if report.CacheKey == "" {
		return fmt.Errorf("cache_key不能为空")
	}
	if err := h.service.ReportOutcome(ctx, report); err != nil {
		logger.Error().Err(err).
			Str("cache_key", report.CacheKey).
			Msg("校准回报失败")
		return err
	}
	return nil
}

// RegisterResponse 建档响应
type RegisterResponse struct {
	CacheKey string `json:"cache_key"`
	Status   string `json:"status"`
}

// HandleRegister 处理工件建档请求
func (h *CacheHandler) HandleRegister(ctx context.Context, req *service.RegisterRequest) (*RegisterResponse, error) {
	if len(req.RawRecord) == 0 {
		return nil, fmt.Errorf("raw_record不能为空")
	}
	if len(req.Artifact) == 0 {
		return nil, fmt.Errorf("artifact不能为空")
	}

	key, err := h.service.Register(ctx, req)
	if err != nil {
		logger.Error().Err(err).
			Str("client", req.Context.Client).
			Msg("工件建档失败")
		return nil, err
	}
	return &RegisterResponse{CacheKey: key, Status: "REGISTERED"}, nil
}

// HandleInvalidate 处理条目失效请求
func (h *CacheHandler) HandleInvalidate(ctx context.Context, cacheKey string) error {
	if cacheKey == "" {
		return fmt.Errorf("cache_key不能为空")
	}
	if err := h.service.Invalidate(ctx, cacheKey); err != nil {
		logger.Error().Err(err).
			Str("cache_key", cacheKey).
			Msg("条目失效失败")
		return err
	}
	return nil
}

// HandleHealth 健康检查，只探活主存储
func (h *CacheHandler) HandleHealth(ctx context.Context) error {
	if h.storage == nil || h.storage.Redis == nil {
		return fmt.Errorf("存储未初始化")
	}
	return h.storage.Redis.Ping(ctx)
}
