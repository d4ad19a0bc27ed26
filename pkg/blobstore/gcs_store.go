//go:build gcp

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// GCSStore persists webhook payloads in Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSStoreConfig configures a GCS-backed Store.
type GCSStoreConfig struct {
	Bucket string
}

// NewGCSStore creates a GCS-backed Store using Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Store(ctx context.Context, namespace Namespace, eventID ids.EventID, payload []byte, status ValidationStatus, pm PayloadMetadata) (BlobMetadata, error) {
	bodyKey := BlobPath(namespace, eventID)
	metaKey := metadataPath(namespace, eventID)

	metaObj := s.client.Bucket(s.bucket).Object(metaKey)
	if _, err := metaObj.Attrs(ctx); err == nil {
		r, err := metaObj.NewReader(ctx)
		if err != nil {
			return BlobMetadata{}, fmt.Errorf("read existing blob metadata: %w", err)
		}
		defer func() { _ = r.Close() }()
		data, err := io.ReadAll(r)
		if err != nil {
			return BlobMetadata{}, fmt.Errorf("read existing blob metadata body: %w", err)
		}
		return unmarshalMetadata(data)
	}

	meta := BlobMetadata{
		EventID:         eventID.String(),
		BlobPath:        bodyKey,
		SizeBytes:       len(payload),
		ContentType:     "application/json",
		CreatedAt:       eventID.Timestamp(),
		EventType:       pm.EventType,
		Repository:      pm.Repository,
		ValidationState: status,
		ReceivedAt:      pm.ReceivedAt,
		DeliveryID:      pm.DeliveryID,
	}
	metaBytes, err := marshalMetadata(meta)
	if err != nil {
		return BlobMetadata{}, err
	}

	bodyW := s.client.Bucket(s.bucket).Object(bodyKey).NewWriter(ctx)
	bodyW.ContentType = "application/json"
	if _, err := bodyW.Write(payload); err != nil {
		_ = bodyW.Close()
		return BlobMetadata{}, fmt.Errorf("gcs write blob body: %w", err)
	}
	if err := bodyW.Close(); err != nil {
		return BlobMetadata{}, fmt.Errorf("gcs close blob body: %w", err)
	}

	metaW := metaObj.NewWriter(ctx)
	metaW.ContentType = "application/json"
	if _, err := metaW.Write(metaBytes); err != nil {
		_ = metaW.Close()
		return BlobMetadata{}, fmt.Errorf("gcs write blob metadata: %w", err)
	}
	if err := metaW.Close(); err != nil {
		return BlobMetadata{}, fmt.Errorf("gcs close blob metadata: %w", err)
	}

	return meta, nil
}

func (s *GCSStore) Get(ctx context.Context, namespace Namespace, eventID ids.EventID) (*StoredWebhook, error) {
	bodyR, err := s.client.Bucket(s.bucket).Object(BlobPath(namespace, eventID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcs read blob body: %w", err)
	}
	defer func() { _ = bodyR.Close() }()
	body, err := io.ReadAll(bodyR)
	if err != nil {
		return nil, fmt.Errorf("read gcs blob body: %w", err)
	}

	metaR, err := s.client.Bucket(s.bucket).Object(metadataPath(namespace, eventID)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read blob metadata: %w", err)
	}
	defer func() { _ = metaR.Close() }()
	metaBytes, err := io.ReadAll(metaR)
	if err != nil {
		return nil, fmt.Errorf("read gcs blob metadata body: %w", err)
	}
	meta, err := unmarshalMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	return &StoredWebhook{Body: body, Metadata: meta}, nil
}

func (s *GCSStore) Exists(ctx context.Context, namespace Namespace, eventID ids.EventID) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(BlobPath(namespace, eventID)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs: %w", err)
	}
	return true, nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
