package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/M3-K0/marketplace-monitor/internal/config"
)

// ErrBackupDisabled 未配置备份桶。
var ErrBackupDisabled = errors.New("backup bucket not configured")

// objectPutter 是 S3 客户端中上传所需的最小子集。
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 将快照上传到 S3（或兼容 S3 的存储）。
type S3Uploader struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Uploader 根据备份配置创建上传器。
//
// 配置了 AccessKey 时使用静态凭证，否则走默认凭证链。
// Endpoint 非空时启用 path-style 寻址，便于对接 MinIO。
func NewS3Uploader(ctx context.Context, cfg config.BackupConfig) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, ErrBackupDisabled
	}
	opts := []func(*aws_config.LoadOptions) error{
		aws_config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Uploader(client objectPutter, bucket, prefix string) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// ObjectKey 生成快照对象名：<prefix>/2006/01/02/snapshot-<unix>-<uuid>.json
func (u *S3Uploader) ObjectKey(at time.Time) string {
	name := fmt.Sprintf("snapshot-%d-%s.json", at.Unix(), uuid.NewString())
	return path.Join(u.prefix, at.UTC().Format("2006/01/02"), name)
}

// Upload 上传快照，返回对象 key。
func (u *S3Uploader) Upload(ctx context.Context, snap *Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		return "", err
	}
	key := u.ObjectKey(u.now())
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}
