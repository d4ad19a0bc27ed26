package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/queue-keeper/queue-keeper/pkg/blobstore"
	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// BlobRouter writes dead-lettered envelopes into a blob store, under its
// dead-letters namespace rather than the payload namespace so a record
// persists even when the triggering event's raw payload blob already
// exists at the same event id. An in-memory pending index sits on top
// since blob stores have no query interface.
type BlobRouter struct {
	store blobstore.Store
	clock ids.Clock

	mu      sync.Mutex
	pending map[string]Record // keyed by EventID+"|"+BotName
}

// NewBlobRouter wraps an existing blob store.
func NewBlobRouter(store blobstore.Store, clock ids.Clock) *BlobRouter {
	return &BlobRouter{store: store, clock: clock, pending: make(map[string]Record)}
}

func dlqKey(eventID, botName string) string { return eventID + "|" + botName }

func (r *BlobRouter) Route(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}

	meta := blobstore.PayloadMetadata{
		EventType:  rec.Envelope.EventType,
		Repository: rec.Envelope.Repository.FullName,
		ReceivedAt: rec.LastAttemptAt,
		DeliveryID: rec.BotName,
	}
	if _, err := r.store.Store(ctx, blobstore.NamespaceDeadLetters, rec.Envelope.EventID, body, blobstore.ValidationSkipped, meta); err != nil {
		return fmt.Errorf("store dead letter blob: %w", err)
	}

	r.mu.Lock()
	r.pending[dlqKey(rec.EventID, rec.BotName)] = rec
	r.mu.Unlock()
	return nil
}

func (r *BlobRouter) Pending(ctx context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.pending))
	for _, rec := range r.pending {
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *BlobRouter) MarkReplayed(ctx context.Context, eventID, botName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, dlqKey(eventID, botName))
	return nil
}

var _ Router = (*BlobRouter)(nil)
