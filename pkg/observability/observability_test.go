package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/queue-keeper/queue-keeper/pkg/breaker"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "queue-keeper", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderWithTLS(t *testing.T) {
	config := &Config{
		Enabled:  true,
		Insecure: false,
		CertFile: "/path/to/cert.pem",
		KeyFile:  "/path/to/key.pem",
		CAFile:   "/path/to/ca.pem",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p, err := New(ctx, config)
	if err != nil {
		t.Logf("Provider creation failed (expected in test env): %v", err)
	} else {
		require.NotNil(t, p)
	}
}

func TestNewProviderDisabled(t *testing.T) {
	config := &Config{Enabled: false}

	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String("test.key", "test.value")}

	newCtx, finish := p.TrackOperation(ctx, "test.operation", attrs...)
	require.NotNil(t, newCtx)

	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "test.operation.error")
	finish(errors.New("test error"))
}

func TestRecordMetrics(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestEnvelopeRoutedDoesNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	p.EnvelopeRouted("merge-warden", "queue-keeper-merge-warden")
	p.EnvelopeDeadLettered("merge-warden", "queue-keeper-merge-warden")
}

func TestCircuitStateChangedLogsWithoutPanicking(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	p.CircuitStateChanged("secrets:github-webhook-secret", breaker.StateClosed, breaker.StateOpen)
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span)
}

func TestAddSpanEvent(t *testing.T) {
	AddSpanEvent(context.Background(), "test.event", attribute.String("key", "value"))
}

func TestSetSpanStatus(t *testing.T) {
	SetSpanStatus(context.Background(), errors.New("test error"))
	SetSpanStatus(context.Background(), nil)
}
