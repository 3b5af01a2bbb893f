package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an artifact store based on environment variables.
//
// Environment variables:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - ARTIFACT_RETENTION_DAYS: object lock retention for s3 and gcs (default 0, off)
//
// For S3:
//   - ARTIFACT_S3_BUCKET (required)
//   - ARTIFACT_S3_REGION or AWS_REGION
//   - ARTIFACT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARTIFACT_S3_PREFIX (optional)
//
// For GCS (build tag gcp):
//   - ARTIFACT_GCS_BUCKET (required)
//   - ARTIFACT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context, dataDir string) (Store, error) {
	storeType := StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}
	retention, err := retentionFromEnv()
	if err != nil {
		return nil, err
	}

	switch storeType {
	case StoreTypeFS:
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx, retention)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx, retention)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", storeType)
	}
}

func retentionFromEnv() (time.Duration, error) {
	raw := os.Getenv("ARTIFACT_RETENTION_DAYS")
	if raw == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		return 0, fmt.Errorf("ARTIFACT_RETENTION_DAYS must be a non-negative integer, got %q", raw)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

func newS3StoreFromEnv(ctx context.Context, retention time.Duration) (Store, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:    bucket,
		Region:    region,
		Endpoint:  os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:    os.Getenv("ARTIFACT_S3_PREFIX"),
		Retention: retention,
	})
}
