// Package queueclient abstracts provider-agnostic queue delivery with
// session-ordered and unordered send modes.
package queueclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

// SessionSupport classifies how a provider handles ordering.
type SessionSupport string

const (
	SessionNative      SessionSupport = "native"
	SessionEmulated    SessionSupport = "emulated"
	SessionUnsupported SessionSupport = "unsupported"
)

// MessageID identifies an accepted send, as returned by the provider.
type MessageID string

// SendOptions carries per-send parameters derived from a QueueDestination.
type SendOptions struct {
	Ordered   bool
	SessionID string // required when Ordered
}

// PermanentError marks a send failure that must not be retried — it goes
// directly to the dead-letter router.
type PermanentError struct{ Cause error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent queue error: %v", e.Cause) }
func (e *PermanentError) Unwrap() error { return e.Cause }

// Provider is the closed sum-type of queue backends: a concrete
// implementation is chosen once at startup from configuration, per
// a sum type per dependency rather than an interface per backend.
type Provider interface {
	Name() string
	SessionSupport() SessionSupport
	Send(ctx context.Context, queue string, envelope normalize.EventEnvelope, opts SendOptions) (MessageID, error)
	Ping(queue string) error
}

// RetryPolicy configures the exponential backoff schedule used on send.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxAttempts int
	Jitter     bool
}

// DefaultRetryPolicy returns the documented default retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 100 * time.Millisecond, Factor: 2.0, Cap: 30 * time.Second, MaxAttempts: 5, Jitter: true}
}

// Delay returns the backoff duration before the given zero-indexed retry
// attempt, per the policy's exponential schedule.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

// SendWithRetry drives provider.Send with an exponential
// backoff schedule. Permanent errors return immediately without retrying;
// the caller routes those directly to the dead-letter router. A retry
// always resends the same envelope, so event_id stays stable and
// downstream dedup works.
func SendWithRetry(ctx context.Context, provider Provider, queue string, envelope normalize.EventEnvelope, opts SendOptions, policy RetryPolicy) (MessageID, error) {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		id, err := provider.Send(ctx, queue, envelope, opts)
		if err == nil {
			return id, nil
		}
		var permErr *PermanentError
		if asPermanent(err, &permErr) {
			return "", err
		}
		lastErr = err

		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return "", fmt.Errorf("exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}

func asPermanent(err error, target **PermanentError) bool {
	for err != nil {
		if pe, ok := err.(*PermanentError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// MarshalEnvelope serializes envelope to the wire body shape: UTF-8 JSON of
// the EventEnvelope.
func MarshalEnvelope(envelope normalize.EventEnvelope) ([]byte, error) {
	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}
