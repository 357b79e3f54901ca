package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/docuflow/document-extract-service/internal/config"
)

// ObjectStore keeps original uploads in MinIO. Objects are addressed by
// content hash, so re-uploading the same bytes overwrites in place.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, cfg config.StorageConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("bucket create: %w", err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// Put stores the original upload under uploads/YYYY/MM/{hash}{ext} and
// returns the path persisted on the file record.
func (s *ObjectStore) Put(ctx context.Context, contentHash string, data []byte, contentType string) (string, error) {
	now := time.Now().UTC()
	objectName := fmt.Sprintf("uploads/%d/%02d/%s%s",
		now.Year(), now.Month(), contentHash, extensionFor(contentType))
	return s.PutObject(ctx, objectName, data, contentType)
}

// PutObject stores data under an explicit object name.
func (s *ObjectStore) PutObject(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("object upload: %w", err)
	}
	return s.bucket + "/" + objectName, nil
}

// PresignedURL returns a time-limited download link for a stored path.
func (s *ObjectStore) PresignedURL(ctx context.Context, storagePath string) (string, error) {
	object := strings.TrimPrefix(storagePath, s.bucket+"/")
	url, err := s.client.PresignedGetObject(ctx, s.bucket, object, 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return url.String(), nil
}

// Delete removes a stored object.
func (s *ObjectStore) Delete(ctx context.Context, storagePath string) error {
	object := strings.TrimPrefix(storagePath, s.bucket+"/")
	return s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{})
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
