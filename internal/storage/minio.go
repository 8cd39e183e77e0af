package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"c3-pipeline-go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ArtifactPointerPrefix 内联存储被替换为对象存储指针时的前缀
// 完整格式: minio://{bucket}/{object}
const ArtifactPointerPrefix = "minio://"

// ArtifactStore 超大工件的溢出存储接口
// 超过内联上限的工件存到对象存储，Redis条目里只留指针
type ArtifactStore interface {
	// PutArtifact 上传工件，返回可写回缓存条目的指针
	PutArtifact(ctx context.Context, cacheKey string, artifact []byte) (string, error)

	// GetArtifact 根据指针取回工件
	GetArtifact(ctx context.Context, pointer string) ([]byte, error)

	// DeleteArtifact 删除指针指向的工件
	DeleteArtifact(ctx context.Context, pointer string) error
}

// 确保MinIO实现了ArtifactStore接口
var _ ArtifactStore = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger *log.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	logger.Printf("[MinIO] Initializing MinIO client with endpoint: %s, bucket: %s", cfg.Endpoint, cfg.ArtifactBucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Printf("[MinIO] Initialization failed: %v", err)
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.ArtifactBucket
	if bucket == "" {
		bucket = "c3-artifacts" // 默认值
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: bucket,
		logger: logger,
	}

	// 确保存储桶存在
	if err := m.ensureBucketExists(bucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure bucket %s exists: %v", bucket, err)
		return nil, fmt.Errorf("确保工件存储桶 %s 存在失败: %w", bucket, err)
	}

	// 设置生命周期规则：对象存储侧的过期与Redis条目TTL相互独立，
	// 指针失效后残留的工件对象由生命周期规则兜底清理
	if cfg.ArtifactExpireDay > 0 {
		if err := m.setupLifecycleRule(context.Background()); err != nil {
			logger.Printf("[MinIO] Warning: Failed to set up lifecycle rule: %v", err)
		}
	}

	logger.Printf("[MinIO] Client initialized successfully for endpoint: %s", cfg.Endpoint)
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		m.logger.Printf("[MinIO] Bucket %s does not exist, attempting to create...", bucketName)
		if err := m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] Bucket %s created successfully.", bucketName)
	}
	return nil
}

// setupLifecycleRule 设置工件对象的过期规则
func (m *MinIO) setupLifecycleRule(ctx context.Context) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     "expire-artifacts",
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(m.cfg.ArtifactExpireDay),
			},
		},
	}
	if err := m.client.SetBucketLifecycle(ctx, m.bucket, lc); err != nil {
		return fmt.Errorf("设置存储桶 %s 生命周期失败: %w", m.bucket, err)
	}
	m.logger.Printf("[MinIO] Lifecycle rule set for bucket %s: expire after %d days", m.bucket, m.cfg.ArtifactExpireDay)
	return nil
}

// objectNameFor 从缓存键派生对象名，避免Redis键里的冒号出现在对象路径中
func objectNameFor(cacheKey string) string {
	sum := sha256.Sum256([]byte(cacheKey))
	digest := hex.EncodeToString(sum[:])
	// 两级目录前缀，避免单目录对象过多
	return fmt.Sprintf("artifacts/%s/%s", digest[:2], digest)
}

// PutArtifact 上传工件并返回指针
func (m *MinIO) PutArtifact(ctx context.Context, cacheKey string, artifact []byte) (string, error) {
	objectName := objectNameFor(cacheKey)

	_, err := m.client.PutObject(ctx, m.bucket, objectName,
		bytes.NewReader(artifact), int64(len(artifact)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("上传工件失败: %w", err)
	}

	m.logger.Printf("[MinIO] Uploaded artifact %s (%d bytes)", objectName, len(artifact))
	return ArtifactPointerPrefix + m.bucket + "/" + objectName, nil
}

// GetArtifact 根据指针取回工件
func (m *MinIO) GetArtifact(ctx context.Context, pointer string) ([]byte, error) {
	bucket, objectName, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取工件对象失败: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取工件内容失败: %w", err)
	}
	return data, nil
}

// DeleteArtifact 删除指针指向的工件
func (m *MinIO) DeleteArtifact(ctx context.Context, pointer string) error {
	bucket, objectName, err := parsePointer(pointer)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除工件对象失败: %w", err)
	}
	return nil
}

// GetPresignedURL 获取工件的预签名下载URL
func (m *MinIO) GetPresignedURL(ctx context.Context, pointer string, expiry time.Duration) (string, error) {
	bucket, objectName, err := parsePointer(pointer)
	if err != nil {
		return "", err
	}
	u, err := m.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成预签名URL失败: %w", err)
	}
	return u.String(), nil
}

// IsArtifactPointer 判断工件字段是否为对象存储指针
func IsArtifactPointer(artifact []byte) bool {
	return bytes.HasPrefix(artifact, []byte(ArtifactPointerPrefix))
}

// parsePointer 解析 minio://{bucket}/{object} 形式的指针
func parsePointer(pointer string) (bucket, objectName string, err error) {
	if !strings.HasPrefix(pointer, ArtifactPointerPrefix) {
		return "", "", fmt.Errorf("非法的工件指针: %s", pointer)
	}
	rest := strings.TrimPrefix(pointer, ArtifactPointerPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("非法的工件指针: %s", pointer)
	}
	return parts[0], parts[1], nil
}
