// Package blob removes attachment objects from S3-compatible storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectAPI interface {
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Store deletes objects from a single bucket.
type Store struct {
	client objectAPI
	bucket string
}

// NewMinio returns nil, nil when no endpoint is configured.
func NewMinio(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// RemoveObjects deletes every key and keeps going past individual failures.
// It returns how many objects were removed plus the joined errors.
func (s *Store) RemoveObjects(ctx context.Context, keys []string) (int, error) {
	var errs []error
	removed := 0
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("remove object %s: %w", key, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
