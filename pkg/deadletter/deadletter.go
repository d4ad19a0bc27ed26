// Package deadletter routes envelope/destination pairs that exhausted
// retries or failed permanently.
package deadletter

import (
	"context"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

// Record is one dead-lettered delivery attempt.
type Record struct {
	EventID        string
	BotName        string
	QueueName      string
	Envelope       normalize.EventEnvelope
	LastError      string
	Attempts       int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
}

// Router persists failed deliveries so they can be inspected and replayed.
type Router interface {
	Route(ctx context.Context, rec Record) error
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkReplayed(ctx context.Context, eventID, botName string) error
}
