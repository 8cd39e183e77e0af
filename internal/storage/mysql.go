package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/storage/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("c3-pipeline-go/storage/mysql")

// MySQL 决策审计库适配器
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL连接并迁移审计表
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("MySQL host配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	// 连接池设置
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层连接池失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}

	// 迁移审计表
	if err := db.AutoMigrate(&models.CacheOutcome{}, &models.SelectorStaleness{}); err != nil {
		return nil, fmt.Errorf("迁移审计表失败: %w", err)
	}

	return &MySQL{db: db, cfg: cfg}, nil
}

// gormLogLevel 将配置的日志级别映射到gorm的级别
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "info":
		return gormlogger.Info
	case "warn":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

// DB 暴露底层gorm实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭连接池
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordOutcome 写入一条决策审计记录
func (m *MySQL) RecordOutcome(ctx context.Context, outcome *models.CacheOutcome) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.RecordOutcome",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", outcome.TableName()),
		attribute.String("c3.decision_id", outcome.DecisionID),
		attribute.String("c3.mode", outcome.Mode),
	)

	if err := m.db.WithContext(ctx).Create(outcome).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("写入决策审计记录失败: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// FillOutcomeError 按决策ID回填事后观测到的真实span误差
func (m *MySQL) FillOutcomeError(ctx context.Context, decisionID string, realizedSpanError float64) error {
	res := m.db.WithContext(ctx).
		Model(&models.CacheOutcome{}).
		Where("decision_id = ?", decisionID).
		Update("realized_span_error", realizedSpanError)
	if res.Error != nil {
		return fmt.Errorf("回填决策误差失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("决策记录不存在: %s", decisionID)
	}
	return nil
}

// RecordStaleness 写入一条选择器过期观测
func (m *MySQL) RecordStaleness(ctx context.Context, obs *models.SelectorStaleness) error {
	if err := m.db.WithContext(ctx).Create(obs).Error; err != nil {
		return fmt.Errorf("写入过期观测失败: %w", err)
	}
	return nil
}

// ListOutcomes 按缓存键倒序列出最近的决策审计记录
func (m *MySQL) ListOutcomes(ctx context.Context, cacheKey string, limit int) ([]models.CacheOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	var outcomes []models.CacheOutcome
	err := m.db.WithContext(ctx).
		Where("cache_key = ?", cacheKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&outcomes).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询决策审计记录失败: %w", err)
	}
	return outcomes, nil
}
