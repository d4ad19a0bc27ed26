package blobstore

import (
	"context"
	"fmt"
	"os"
)

// BackendType selects which Store implementation NewStoreFromEnv constructs.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewStoreFromEnv builds a Store from environment variables.
//
// QUEUEKEEPER_BLOB_BACKEND selects "fs" (default), "s3", or "gcs".
//
// fs:  QUEUEKEEPER_DATA_DIR (default "data")
// s3:  QUEUEKEEPER_S3_BUCKET (required), QUEUEKEEPER_S3_REGION or AWS_REGION,
//
//	QUEUEKEEPER_S3_ENDPOINT (optional, for MinIO/LocalStack)
//
// gcs: QUEUEKEEPER_GCS_BUCKET (required); requires a -tags gcp build.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("QUEUEKEEPER_BLOB_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob store backend: %s", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("QUEUEKEEPER_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(dataDir)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("QUEUEKEEPER_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("QUEUEKEEPER_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("QUEUEKEEPER_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("QUEUEKEEPER_S3_ENDPOINT"),
	})
}
