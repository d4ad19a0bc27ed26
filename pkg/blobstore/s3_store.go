package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// S3Store persists webhook payloads in S3, keyed by the hour-partitioned
// blob path convention rather than content hash.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3StoreConfig configures an S3-backed Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint, for MinIO/LocalStack
}

// NewS3Store creates an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Store(ctx context.Context, namespace Namespace, eventID ids.EventID, payload []byte, status ValidationStatus, pm PayloadMetadata) (BlobMetadata, error) {
	bodyKey := BlobPath(namespace, eventID)
	metaKey := metadataPath(namespace, eventID)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(metaKey),
	}); err == nil {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(metaKey)})
		if err != nil {
			return BlobMetadata{}, fmt.Errorf("fetch existing blob metadata: %w", err)
		}
		defer func() { _ = out.Body.Close() }()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return BlobMetadata{}, fmt.Errorf("read existing blob metadata: %w", err)
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

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(bodyKey),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return BlobMetadata{}, fmt.Errorf("s3 put blob body: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(metaKey),
		Body:        bytes.NewReader(metaBytes),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return BlobMetadata{}, fmt.Errorf("s3 put blob metadata: %w", err)
	}

	return meta, nil
}

func (s *S3Store) Get(ctx context.Context, namespace Namespace, eventID ids.EventID) (*StoredWebhook, error) {
	bodyOut, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(BlobPath(namespace, eventID))})
	if err != nil {
		return nil, nil
	}
	defer func() { _ = bodyOut.Body.Close() }()
	body, err := io.ReadAll(bodyOut.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 blob body: %w", err)
	}

	metaOut, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(metadataPath(namespace, eventID))})
	if err != nil {
		return nil, fmt.Errorf("read s3 blob metadata: %w", err)
	}
	defer func() { _ = metaOut.Body.Close() }()
	metaBytes, err := io.ReadAll(metaOut.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 blob metadata body: %w", err)
	}
	meta, err := unmarshalMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	return &StoredWebhook{Body: body, Metadata: meta}, nil
}

func (s *S3Store) Exists(ctx context.Context, namespace Namespace, eventID ids.EventID) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(BlobPath(namespace, eventID))})
	return err == nil, nil
}
