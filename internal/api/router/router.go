package router

import (
	"context"

	"c3-pipeline-go/internal/api/handler"
	"c3-pipeline-go/internal/service"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由
// apiKey非空时对 /api/v1 组启用 X-API-Key 头校验
func RegisterRoutes(h *server.Hertz, cacheHandler *handler.CacheHandler, apiKey string) {
	api := h.Group("/api/v1")

	if apiKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-API-Key", ""),
			keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
				return key == apiKey, nil
			}),
		))
	}

	api.POST("/cache/decide", func(c context.Context, ctx *app.RequestContext) {
		var req service.DecideRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误: " + err.Error()})
			return
		}

		result, err := cacheHandler.HandleDecide(c, &req)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, result)
	})

	api.POST("/cache/outcome", func(c context.Context, ctx *app.RequestContext) {
		var report service.OutcomeReport
		if err := ctx.BindJSON(&report); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误: " + err.Error()})
			return
		}

		if err := cacheHandler.HandleOutcome(c, &report); err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api.POST("/cache/register", func(c context.Context, ctx *app.RequestContext) {
		var req service.RegisterRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误: " + err.Error()})
			return
		}

		resp, err := cacheHandler.HandleRegister(c, &req)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/cache/invalidate", func(c context.Context, ctx *app.RequestContext) {
		var req struct {
			CacheKey string `json:"cache_key"`
		}
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误: " + err.Error()})
			return
		}

		if err := cacheHandler.HandleInvalidate(c, req.CacheKey); err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"status": "invalidated"})
	})

	// 健康检查不走鉴权
	h.GET("/api/v1/health", func(c context.Context, ctx *app.RequestContext) {
		if err := cacheHandler.HandleHealth(c); err != nil {
			ctx.JSON(consts.StatusServiceUnavailable, utils.H{"status": "unavailable", "error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
