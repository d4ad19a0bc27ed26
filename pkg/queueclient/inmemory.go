package queueclient

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

// Message is a delivered envelope recorded by InMemoryQueue, for tests.
type Message struct {
	Envelope  normalize.EventEnvelope
	SessionID string
}

// InMemoryQueue is a Provider used for local development and tests. It
// claims Native session support since it can simply track arrival order
// per queue in a slice.
type InMemoryQueue struct {
	mu       sync.Mutex
	messages map[string][]Message
	fail     map[string]error
}

// NewInMemoryQueue creates an empty in-memory queue set.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{messages: make(map[string][]Message)}
}

func (q *InMemoryQueue) Name() string                   { return "inmemory" }
func (q *InMemoryQueue) SessionSupport() SessionSupport { return SessionNative }

// FailQueue makes subsequent sends to queue return err, simulating an
// outage for circuit-breaker tests.
func (q *InMemoryQueue) FailQueue(queue string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail == nil {
		q.fail = make(map[string]error)
	}
	q.fail[queue] = err
}

// ClearFailure removes a simulated outage.
func (q *InMemoryQueue) ClearFailure(queue string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.fail, queue)
}

func (q *InMemoryQueue) Send(ctx context.Context, queue string, envelope normalize.EventEnvelope, opts SendOptions) (MessageID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err, ok := q.fail[queue]; ok {
		return "", err
	}

	q.messages[queue] = append(q.messages[queue], Message{Envelope: envelope, SessionID: opts.SessionID})
	return MessageID(uuid.NewString()), nil
}

func (q *InMemoryQueue) Ping(queue string) error { return nil }

// Messages returns a copy of the messages sent to queue, in send order.
func (q *InMemoryQueue) Messages(queue string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.messages[queue]))
	copy(out, q.messages[queue])
	return out
}
