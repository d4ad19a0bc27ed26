package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New([]Config{
		GitHubConfig("github-secret"),
		GitHubConfig("github-secret-2"),
	})
	require.Error(t, err)
}

func TestNew_RejectsBadPathSegment(t *testing.T) {
	_, err := New([]Config{{Name: "GitHub"}})
	require.Error(t, err)
}

func TestRegistry_LookupUnknownReturnsFalse(t *testing.T) {
	r, err := New([]Config{GitHubConfig("github-secret")})
	require.NoError(t, err)

	_, ok := r.Lookup("doesnotexist")
	assert.False(t, ok)
}

func TestRegistry_LookupKnownReturnsConfig(t *testing.T) {
	r, err := New([]Config{GitHubConfig("github-secret"), GenericConfig("generic", "")})
	require.NoError(t, err)

	gh, ok := r.Lookup("github")
	require.True(t, ok)
	assert.True(t, gh.RequireSignature)
	assert.True(t, gh.Strict)

	generic, ok := r.Lookup("generic")
	require.True(t, ok)
	assert.False(t, generic.RequireSignature)
	assert.False(t, generic.Strict)
	assert.Equal(t, "webhook", generic.DefaultEventType)
}

func TestConfig_HeaderSpecProjectsFields(t *testing.T) {
	gh := GitHubConfig("github-secret")
	spec := gh.HeaderSpec()
	assert.Equal(t, gh.EventTypeHeader, spec.EventTypeHeader)
	assert.Equal(t, gh.DeliveryIDHeader, spec.DeliveryIDHeader)
	assert.Equal(t, gh.SignatureHeader, spec.SignatureHeader)
	assert.True(t, spec.Strict)
}
