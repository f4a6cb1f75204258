// Package storage archives raw page bodies and screenshots in S3-compatible
// object storage. Bodies are content-addressed by their digest, so re-storing
// an unchanged page is a no-op.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/oemwatch/oemwatch/internal/config"
)

// Service handles object storage operations. When storage is not configured
// every write silently no-ops, so callers never need to branch.
type Service struct {
	client  *s3.Client
	bucket  string
	enabled bool
	logger  *slog.Logger
}

// NewService creates a storage service against any S3-compatible endpoint.
func NewService(cfg *appconfig.Config, logger *slog.Logger) (*Service, error) {
	if !cfg.StorageEnabled {
		logger.Info("object storage disabled")
		return &Service{enabled: false, logger: logger}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = true // required by MinIO and friends
	})

	logger.Info("object storage initialized",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)

	return &Service{
		client:  client,
		bucket:  cfg.StorageBucket,
		enabled: true,
		logger:  logger,
	}, nil
}

// IsEnabled reports whether storage is configured.
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// StoreSnapshot archives a raw page body under its content digest. Returns
// the object key, or "" when storage is disabled.
func (s *Service) StoreSnapshot(ctx context.Context, oemID, hash string, body []byte) (string, error) {
	if !s.enabled {
		return "", nil
	}

	key := fmt.Sprintf("snapshots/%s/%s.html", oemID, hash)

	// Content-addressed: if the digest is already stored, skip the upload.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return key, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}

	s.logger.Debug("stored snapshot", "key", key, "size_bytes", len(body))
	return key, nil
}

// GetSnapshot retrieves an archived page body by key.
func (s *Service) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	if !s.enabled {
		return nil, fmt.Errorf("storage is not enabled")
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer func() { _ = output.Body.Close() }()

	return io.ReadAll(output.Body)
}

// StoreScreenshot archives a full-page screenshot taken when a page's visual
// design changed. Returns the object key, or "" when storage is disabled.
func (s *Service) StoreScreenshot(ctx context.Context, oemID, pageID string, png []byte) (string, error) {
	if !s.enabled {
		return "", nil
	}

	key := fmt.Sprintf("screenshots/%s/%s/%s.png", oemID, pageID, time.Now().UTC().Format("20060102-150405"))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(png),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store screenshot: %w", err)
	}

	s.logger.Info("stored screenshot", "key", key, "size_bytes", len(png))
	return key, nil
}

// DeleteOlderThan removes objects under a prefix older than maxAge. Returns
// the number of deleted objects.
func (s *Service) DeleteOlderThan(ctx context.Context, prefix string, maxAge time.Duration) (int, error) {
	if !s.enabled {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				s.logger.Warn("failed to delete old object", "key", *obj.Key, "error", err)
				continue
			}
			deleted++
		}
	}

	s.logger.Info("storage cleanup completed", "prefix", prefix, "deleted_count", deleted)
	return deleted, nil
}
