// Package blobstore persists immutable blobs at an hour-partitioned path
// convention, namespaced so distinct concerns never share a key:
//
//	{namespace}/year={YYYY}/month={MM}/day={DD}/hour={HH}/{event_id}.json
//
// Date components are derived from the event id's embedded timestamp, not
// the wall clock at write time, so replay reconstructs the original
// partitioning even across clock skew.
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// PermanentError marks a Store failure that retrying cannot fix — bad
// credentials, a missing bucket, a quota exhausted outright — so the
// caller should dead-letter the envelope rather than retry it.
type PermanentError struct{ Cause error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent blob store error: %v", e.Cause) }
func (e *PermanentError) Unwrap() error { return e.Cause }

// ValidationStatus records the outcome of signature validation at the time
// the blob was written, for inclusion in BlobMetadata.
type ValidationStatus string

const (
	ValidationOK      ValidationStatus = "valid"
	ValidationFailed  ValidationStatus = "invalid"
	ValidationSkipped ValidationStatus = "skipped"
)

// BlobMetadata describes a stored webhook payload.
type BlobMetadata struct {
	EventID         string           `json:"event_id"`
	BlobPath        string           `json:"blob_path"`
	SizeBytes       int              `json:"size_bytes"`
	ContentType     string           `json:"content_type"`
	CreatedAt       time.Time        `json:"created_at"`
	EventType       string           `json:"event_type,omitempty"`
	Repository      string           `json:"repository,omitempty"`
	ValidationState ValidationStatus `json:"validation_status"`
	ReceivedAt      time.Time        `json:"received_at"`
	DeliveryID      string           `json:"delivery_id,omitempty"`
}

// PayloadMetadata carries the descriptive fields callers supply to Store;
// it becomes part of BlobMetadata.
type PayloadMetadata struct {
	EventType  string
	Repository string
	ReceivedAt time.Time
	DeliveryID string
}

// StoredWebhook is the result of a Get call: the raw body plus its metadata.
type StoredWebhook struct {
	Body     []byte
	Metadata BlobMetadata
}

// Namespace partitions the key space a Store writes into. Two writes for
// the same event id under different namespaces never collide, since the
// namespace is the leading path segment.
type Namespace string

const (
	// NamespacePayloads holds the raw, immutable inbound webhook bodies.
	NamespacePayloads Namespace = "webhook-payloads"
	// NamespaceDeadLetters holds envelope/destination pairs that exhausted
	// retries or failed permanently, stored independently of whether the
	// originating payload blob exists.
	NamespaceDeadLetters Namespace = "dead-letters"
)

// Store is the contract for immutable raw-payload persistence.
type Store interface {
	// Store writes payload at the path derived from (namespace, eventID),
	// unless a blob already exists at that path, in which case the
	// existing metadata is returned unchanged (idempotent — never
	// overwrites).
	Store(ctx context.Context, namespace Namespace, eventID ids.EventID, payload []byte, status ValidationStatus, meta PayloadMetadata) (BlobMetadata, error)
	Get(ctx context.Context, namespace Namespace, eventID ids.EventID) (*StoredWebhook, error)
	Exists(ctx context.Context, namespace Namespace, eventID ids.EventID) (bool, error)
}

// BlobPath computes the hour-partitioned key for eventID within namespace.
func BlobPath(namespace Namespace, eventID ids.EventID) string {
	ts := eventID.Timestamp()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/hour=%02d/%s.json",
		namespace, ts.Year(), ts.Month(), ts.Day(), ts.Hour(), eventID.String())
}

func metadataPath(namespace Namespace, eventID ids.EventID) string {
	return BlobPath(namespace, eventID) + ".meta.json"
}

func marshalMetadata(meta BlobMetadata) ([]byte, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal blob metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(data []byte) (BlobMetadata, error) {
	var meta BlobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return BlobMetadata{}, fmt.Errorf("unmarshal blob metadata: %w", err)
	}
	return meta, nil
}
