//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
	"time"
)

func newGCSStoreFromEnv(context.Context, time.Duration) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
