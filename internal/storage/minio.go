package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/weAIDB/CrackSQL/internal/config"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"go.uber.org/zap"
)

// ObjectStore 上传文件归档存储。未配置MinIO时为nil，归档被跳过，
// 入库流程不依赖归档成功。
type ObjectStore struct {
	client *minio.Client
	bucket string
}

var globalStore *ObjectStore

// InitMinIO 初始化MinIO客户端并确保bucket存在
func InitMinIO() (*ObjectStore, error) {
	cfg := config.AppConfig.Knowledge.Storage
	if cfg.Endpoint == "" {
		logger.Info("MinIO未配置，上传文件不归档")
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("检查bucket失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建bucket失败: %w", err)
		}
	}

	globalStore = &ObjectStore{client: client, bucket: cfg.Bucket}
	logger.Info("MinIO初始化成功", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return globalStore, nil
}

// GetObjectStore 获取全局归档存储实例，可能为nil
func GetObjectStore() *ObjectStore {
	return globalStore
}

// ArchiveUpload 归档一份上传的原始文件
func (s *ObjectStore) ArchiveUpload(ctx context.Context, objectName string, data []byte, contentType string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("归档上传文件失败: %w", err)
	}
	return nil
}

// RemoveArchive 删除归档对象
func (s *ObjectStore) RemoveArchive(ctx context.Context, objectName string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
