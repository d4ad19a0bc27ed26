package queueclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

func TestInMemoryQueue_SendAppendsInOrder(t *testing.T) {
	q := NewInMemoryQueue()
	env1 := testEnvelope(t)
	env2 := testEnvelope(t)

	_, err := q.Send(context.Background(), "bots", env1, SendOptions{Ordered: true, SessionID: "o/r/pull_request/1"})
	require.NoError(t, err)
	_, err = q.Send(context.Background(), "bots", env2, SendOptions{Ordered: true, SessionID: "o/r/pull_request/1"})
	require.NoError(t, err)

	msgs := q.Messages("bots")
	require.Len(t, msgs, 2)
	assert.Equal(t, env1.EventID.String(), msgs[0].Envelope.EventID.String())
	assert.Equal(t, env2.EventID.String(), msgs[1].Envelope.EventID.String())
}

func TestInMemoryQueue_FailQueueThenClear(t *testing.T) {
	q := NewInMemoryQueue()
	q.FailQueue("bots", errors.New("boom"))

	_, err := q.Send(context.Background(), "bots", testEnvelope(t), SendOptions{})
	require.Error(t, err)

	q.ClearFailure("bots")
	_, err = q.Send(context.Background(), "bots", testEnvelope(t), SendOptions{})
	require.NoError(t, err)
	assert.Len(t, q.Messages("bots"), 1)
}

func TestInMemoryQueue_MessagesReturnsDefensiveCopy(t *testing.T) {
	q := NewInMemoryQueue()
	_, err := q.Send(context.Background(), "bots", testEnvelope(t), SendOptions{})
	require.NoError(t, err)

	msgs := q.Messages("bots")
	msgs[0] = Message{Envelope: normalize.EventEnvelope{EventID: ids.NewEventID(ids.SystemClock{})}}

	again := q.Messages("bots")
	assert.NotEqual(t, msgs[0].Envelope.EventID.String(), again[0].Envelope.EventID.String())
}

func TestInMemoryQueue_PingAlwaysSucceeds(t *testing.T) {
	q := NewInMemoryQueue()
	assert.NoError(t, q.Ping("anything"))
}
