package queueclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

func testEnvelope(t *testing.T) normalize.EventEnvelope {
	t.Helper()
	return normalize.EventEnvelope{
		EventID:    ids.NewEventID(ids.SystemClock{}),
		ProviderID: "github",
		EventType:  "pull_request",
	}
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, Factor: 2.0, Cap: 300 * time.Millisecond, MaxAttempts: 5}
	d0 := p.Delay(0)
	d3 := p.Delay(3)
	assert.LessOrEqual(t, d0, 100*time.Millisecond)
	assert.LessOrEqual(t, d3, 300*time.Millisecond)
}

func TestSendWithRetry_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	q := NewInMemoryQueue()
	env := testEnvelope(t)

	id, err := SendWithRetry(context.Background(), q, "bot-queue", env, SendOptions{}, DefaultRetryPolicy())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, q.Messages("bot-queue"), 1)
}

func TestSendWithRetry_PermanentErrorShortCircuits(t *testing.T) {
	q := NewInMemoryQueue()
	q.FailQueue("bot-queue", &PermanentError{Cause: errors.New("bad config")})
	env := testEnvelope(t)

	policy := RetryPolicy{Base: time.Millisecond, Factor: 2.0, Cap: 10 * time.Millisecond, MaxAttempts: 5}
	_, err := SendWithRetry(context.Background(), q, "bot-queue", env, SendOptions{}, policy)
	require.Error(t, err)

	var permErr *PermanentError
	assert.True(t, asPermanent(err, &permErr))
}

func TestSendWithRetry_ExhaustsAttemptsOnTransientFailure(t *testing.T) {
	q := NewInMemoryQueue()
	q.FailQueue("bot-queue", errors.New("connection refused"))
	env := testEnvelope(t)

	policy := RetryPolicy{Base: time.Millisecond, Factor: 1.0, Cap: 5 * time.Millisecond, MaxAttempts: 3}
	_, err := SendWithRetry(context.Background(), q, "bot-queue", env, SendOptions{}, policy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
}

func TestSendWithRetry_RespectsContextCancellation(t *testing.T) {
	q := NewInMemoryQueue()
	q.FailQueue("bot-queue", errors.New("down"))
	env := testEnvelope(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{Base: 50 * time.Millisecond, Factor: 2.0, Cap: time.Second, MaxAttempts: 5}
	_, err := SendWithRetry(ctx, q, "bot-queue", env, SendOptions{}, policy)
	require.Error(t, err)
}

func TestMarshalEnvelope_ProducesJSON(t *testing.T) {
	env := testEnvelope(t)
	b, err := MarshalEnvelope(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), "pull_request")
}
