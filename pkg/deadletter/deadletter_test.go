package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queue-keeper/queue-keeper/pkg/blobstore"
	"github.com/queue-keeper/queue-keeper/pkg/ids"
	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

func TestBlobRouter_RouteThenPendingThenReplay(t *testing.T) {
	dir := t.TempDir()
	store, err := blobstore.NewFileStore(dir)
	require.NoError(t, err)
	router := NewBlobRouter(store, ids.SystemClock{})

	eventID := ids.NewEventID(ids.SystemClock{})

	// The payload blob for this event is already durably stored, as it
	// normally would be by the time a delivery to it dead-letters.
	_, err = store.Store(context.Background(), blobstore.NamespacePayloads, eventID, []byte(`{}`), blobstore.ValidationOK, blobstore.PayloadMetadata{})
	require.NoError(t, err)

	rec := Record{
		EventID:        eventID.String(),
		BotName:        "release-bot",
		QueueName:      "release-bot-queue",
		Envelope:       normalize.EventEnvelope{EventID: eventID, EventType: "pull_request"},
		LastError:      "queue unreachable",
		Attempts:       5,
		FirstAttemptAt: time.Now(),
		LastAttemptAt:  time.Now(),
	}

	require.NoError(t, router.Route(context.Background(), rec))

	durable, err := store.Get(context.Background(), blobstore.NamespaceDeadLetters, eventID)
	require.NoError(t, err)
	require.NotNil(t, durable, "dead letter must be durably stored even when the event's payload blob already exists")

	pending, err := router.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "release-bot", pending[0].BotName)

	require.NoError(t, router.MarkReplayed(context.Background(), rec.EventID, rec.BotName))
	pending, err = router.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBlobRouter_PendingRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := blobstore.NewFileStore(dir)
	require.NoError(t, err)
	router := NewBlobRouter(store, ids.SystemClock{})

	for i := 0; i < 3; i++ {
		eventID := ids.NewEventID(ids.SystemClock{})
		rec := Record{
			EventID:        eventID.String(),
			BotName:        "bot",
			Envelope:       normalize.EventEnvelope{EventID: eventID},
			FirstAttemptAt: time.Now(),
			LastAttemptAt:  time.Now(),
		}
		require.NoError(t, router.Route(context.Background(), rec))
	}

	pending, err := router.Pending(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
