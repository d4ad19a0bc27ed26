//go:build gcp

package blobstore

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("QUEUEKEEPER_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("QUEUEKEEPER_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket})
}
