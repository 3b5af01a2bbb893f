//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
	"time"
)

func newGCSStoreFromEnv(ctx context.Context, retention time.Duration) (Store, error) {
	bucket := os.Getenv("ARTIFACT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket:    bucket,
		Prefix:    os.Getenv("ARTIFACT_GCS_PREFIX"),
		Retention: retention,
	})
}
