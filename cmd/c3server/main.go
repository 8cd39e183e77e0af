package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"c3-pipeline-go/internal/api/handler"
	"c3-pipeline-go/internal/api/router"
	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/pipeline"
	"c3-pipeline-go/internal/service"
	"c3-pipeline-go/internal/storage"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"

	appCoreLogger "c3-pipeline-go/internal/logger"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
)

var (
	version     = "1.0.0"     //nolint:gochecknoglobals
	serviceName = "c3-server" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储管理器
	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 初始化嵌入器：配置了API密钥走HTTP端点，否则降级为确定性哈希嵌入
	var embedder pipeline.TextEmbedder
	if cfg.Embedding.APIKey != "" {
		embedder, err = pipeline.NewHTTPEmbedder(cfg.Embedding)
		if err != nil {
			glog.Fatalf("初始化HTTP嵌入器失败: %v", err)
		}
		glog.Info("HTTP嵌入器初始化成功")
	} else {
		embedder = pipeline.NewHashingEmbedder(cfg.Embedding.Dimensions)
		glog.Warn("未配置嵌入API密钥，降级为哈希嵌入器")
	}

	// 初始化决策服务
	cacheService, err := service.NewContentCacheService(storageManager, embedder, cfg)
	if err != nil {
		glog.Fatalf("初始化决策服务失败: %v", err)
	}
	glog.Info("决策服务初始化成功")

	cacheHandler := handler.NewCacheHandler(cfg, storageManager, cacheService)

	// 配置了下游组装端点时由本进程消费重建队列并转发任务；
	// 未配置时队列留给外部组装服务直接消费
	if storageManager.RabbitMQ != nil && cfg.RabbitMQ.RebuildWebhookURL != "" {
		dispatcher := service.NewWebhookDispatcher(cfg.RabbitMQ.RebuildWebhookURL)
		consumer, err := service.NewRebuildConsumer(storageManager.RabbitMQ, &cfg.RabbitMQ, dispatcher.Dispatch)
		if err != nil {
			glog.Fatalf("创建重建任务消费者失败: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			glog.Fatalf("启动重建任务消费者失败: %v", err)
		}
		glog.Infof("重建任务消费者已启动，转发端点: %s", cfg.RabbitMQ.RebuildWebhookURL)
	}

	// 创建HTTP服务器并挂接zerolog适配器
	h := server.Default(
		server.WithHostPorts(cfg.Server.Address),
	)
	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))

	router.RegisterRoutes(h, cacheHandler, cfg.Server.APIKey)

	go func() {
		if err := h.Run(); err != nil {
			appCoreLogger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()
	appCoreLogger.Info().Str("address", cfg.Server.Address).Msg("决策引擎服务已启动")

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appCoreLogger.Info().Msg("接收到终止信号，正在优雅退出...")

	// 优雅关闭HTTP服务器
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		appCoreLogger.Fatal().Err(err).Msg("服务器关闭失败")
	}

	appCoreLogger.Info().Msg("优雅退出完成")
}

// 初始化日志系统
func initLogger(cfg *config.Config) {
	logConfig := appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	}
	if logConfig.Level == "" {
		logConfig.Level = "info"
	}
	if logConfig.Format == "" {
		logConfig.Format = "json"
	}

	appCoreLogger.Init(logConfig)

	// 设置一些全局的字段
	appCoreLogger.Logger = appCoreLogger.Logger.With().
		Str("app", serviceName).
		Str("version", version).
		Logger()
}
