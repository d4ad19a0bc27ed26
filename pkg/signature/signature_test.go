package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidate_ValidSignature(t *testing.T) {
	secret := []byte("topsecret")
	payload := []byte(`{"action":"opened"}`)
	err := Validate(payload, sign(secret, payload), secret, true)
	assert.NoError(t, err)
}

func TestValidate_BitFlipInPayloadFails(t *testing.T) {
	secret := []byte("topsecret")
	payload := []byte(`{"action":"opened"}`)
	sig := sign(secret, payload)

	flipped := append([]byte(nil), payload...)
	flipped[0] ^= 0x01

	err := Validate(flipped, sig, secret, true)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FailureMismatch, verr.Kind)
}

func TestValidate_BitFlipInSecretFails(t *testing.T) {
	secret := []byte("topsecret")
	payload := []byte(`{"action":"opened"}`)
	sig := sign(secret, payload)

	wrongSecret := []byte("topsecreu")
	err := Validate(payload, sig, wrongSecret, true)
	assert.Error(t, err)
}

func TestValidate_MissingHeaderRequired(t *testing.T) {
	err := Validate([]byte("{}"), "", []byte("s"), true)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FailureMissingHeader, verr.Kind)
}

func TestValidate_MissingHeaderAllowedForPing(t *testing.T) {
	err := Validate([]byte("{}"), "", []byte("s"), false)
	assert.NoError(t, err)
}

func TestValidate_MalformedPrefix(t *testing.T) {
	err := Validate([]byte("{}"), "sha1=deadbeef", []byte("s"), true)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FailureMalformedHeader, verr.Kind)
}

func TestValidate_NonHexBody(t *testing.T) {
	err := Validate([]byte("{}"), "sha256=zzzz", []byte("s"), true)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FailureMalformedHeader, verr.Kind)
}

func TestLogFailure_DoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	LogFailure(logger, "203.0.113.9", &ValidationError{Kind: FailureMismatch})
}
