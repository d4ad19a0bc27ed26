package secrets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type versionedFetcher struct {
	mu      sync.Mutex
	value   []byte
	version string
	err     error
	calls   int
}

func (f *versionedFetcher) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return append([]byte(nil), f.value...), f.version, nil
}

func TestStore_CacheHitWithinTTL(t *testing.T) {
	f := &versionedFetcher{value: []byte("s3cr3t"), version: "v1"}
	s := New(f, DefaultPolicy())

	v1, degraded, err := s.Get(context.Background(), "svc-env-purpose")
	require.NoError(t, err)
	assert.False(t, degraded)
	defer v1.Release()

	v2, degraded, err := s.Get(context.Background(), "svc-env-purpose")
	require.NoError(t, err)
	assert.False(t, degraded)
	defer v2.Release()

	assert.Equal(t, 1, f.calls, "second Get within TTL must not refetch")
}

func TestStore_DegradedFallbackOnRefreshFailure(t *testing.T) {
	f := &versionedFetcher{value: []byte("s3cr3t"), version: "v1"}
	policy := Policy{TTL: 10 * time.Millisecond, ExtendedTTL: time.Hour, RefreshThreshold: time.Millisecond, MaxConcurrentFetch: 5}
	s := New(f, policy)

	v, _, err := s.Get(context.Background(), "name")
	require.NoError(t, err)
	v.Release()

	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	f.err = errors.New("store unreachable")
	f.mu.Unlock()

	v2, degraded, err := s.Get(context.Background(), "name")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, []byte("s3cr3t"), v2.Bytes())
	v2.Release()
}

func TestStore_RotationDetectionZeroizesOld(t *testing.T) {
	f := &versionedFetcher{value: []byte("old"), version: "v1"}
	s := New(f, DefaultPolicy())

	v1, _, err := s.Get(context.Background(), "name")
	require.NoError(t, err)
	oldBytes := v1.Bytes()

	f.mu.Lock()
	f.value = []byte("new")
	f.version = "v2"
	f.mu.Unlock()

	v2, err := s.Refresh(context.Background(), "name")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v2.Bytes())

	v1.Release()
	assert.NotEqual(t, []byte("old"), oldBytes, "old value must be zeroized once the last reference releases")

	assert.EqualValues(t, 1, s.Stats().RotationCount)
}

func TestBuildName_ValidatesShape(t *testing.T) {
	name, err := BuildName("queue-keeper", "prod", "github-webhook")
	require.NoError(t, err)
	assert.Equal(t, "queue-keeper-prod-github-webhook", name)

	_, err = BuildName("bad service", "prod", "x")
	assert.Error(t, err)
}

func TestEnvFetcher_FallsBackToUppercaseName(t *testing.T) {
	t.Setenv("GITHUB_WEBHOOK_SECRET", "abc123")
	f := EnvFetcher{}
	val, _, err := f.Fetch(context.Background(), "github-webhook-secret")
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(val))
}
