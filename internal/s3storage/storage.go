// Package s3storage mirrors finished job artifacts into MinIO/S3 so they
// outlive the worker's local disk.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/huiseok06/clipvoice/internal/config"
)

// Storage wraps MinIO interactions for mirrored artifacts.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	ttl    time.Duration
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
		ttl:    cfg.SignedURLTTL,
	}, nil
}

// EnsureBucket makes sure the artifact bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// MirrorArtifacts uploads each local file and returns object-key entries to
// merge into the job record ("ttsPath" becomes "ttsKey", and so on).
func (s *Storage) MirrorArtifacts(ctx context.Context, jobID string, files map[string]string) (map[string]string, error) {
	keys := make(map[string]string, len(files))
	for name, localPath := range files {
		objectKey := fmt.Sprintf("jobs/%s/%s", jobID, filepath.Base(localPath))
		if _, err := s.client.FPutObject(ctx, s.bucket, objectKey, localPath, minio.PutObjectOptions{}); err != nil {
			return nil, fmt.Errorf("upload %s: %w", objectKey, err)
		}
		keys[strings.TrimSuffix(name, "Path")+"Key"] = objectKey
	}
	return keys, nil
}

// PresignArtifact returns a signed GET URL for a mirrored object.
func (s *Storage) PresignArtifact(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}
