package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// FileStore is a filesystem-backed Store, used for local development and
// tests. Writes go to a temp file in the destination directory and are
// committed with os.Rename, so a reader never observes a partial write.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a filesystem-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure blob store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) paths(namespace Namespace, eventID ids.EventID) (body, meta string) {
	return filepath.Join(s.baseDir, BlobPath(namespace, eventID)), filepath.Join(s.baseDir, metadataPath(namespace, eventID))
}

func (s *FileStore) Store(ctx context.Context, namespace Namespace, eventID ids.EventID, payload []byte, status ValidationStatus, pm PayloadMetadata) (BlobMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bodyPath, metaPath := s.paths(namespace, eventID)

	if existing, err := os.ReadFile(metaPath); err == nil {
		return unmarshalMetadata(existing)
	}

	meta := BlobMetadata{
		EventID:         eventID.String(),
		BlobPath:        BlobPath(namespace, eventID),
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

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0755); err != nil {
		return BlobMetadata{}, fmt.Errorf("create blob directory: %w", err)
	}

	if err := atomicWrite(bodyPath, payload); err != nil {
		return BlobMetadata{}, fmt.Errorf("write blob body: %w", err)
	}
	if err := atomicWrite(metaPath, metaBytes); err != nil {
		return BlobMetadata{}, fmt.Errorf("write blob metadata: %w", err)
	}

	return meta, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Get(ctx context.Context, namespace Namespace, eventID ids.EventID) (*StoredWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bodyPath, metaPath := s.paths(namespace, eventID)

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read blob metadata: %w", err)
	}
	meta, err := unmarshalMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	return &StoredWebhook{Body: body, Metadata: meta}, nil
}

func (s *FileStore) Exists(ctx context.Context, namespace Namespace, eventID ids.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bodyPath, _ := s.paths(namespace, eventID)
	_, err := os.Stat(bodyPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}
