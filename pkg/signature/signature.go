// Package signature implements HMAC-SHA256 constant-time webhook signature
// validation.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FailureKind classifies why validation failed, matching the
// Security error category — these never feed a circuit breaker's failure
// counter.
type FailureKind string

const (
	FailureMissingHeader   FailureKind = "missing_header"
	FailureMalformedHeader FailureKind = "malformed_header"
	FailureMismatch        FailureKind = "mismatch"
)

// ValidationError reports a signature validation failure. It never embeds
// the secret, the received signature, or the payload body.
type ValidationError struct {
	Kind FailureKind
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook signature validation failed: %s", e.Kind)
}

const headerPrefix = "sha256="

// Validate checks payload against the sha256=<hex> signatureHeader using
// secret, in constant time. requireSignature should be false only for
// provider-declared "ping" style events that are exempt from signing.
//
// No branch in this function depends on the content of secret or
// signatureHeader beyond structural checks (prefix, hex-decodability,
// length) that must happen before a fixed-time comparison can run at all;
// the final comparison always runs via hmac.Equal, which is constant-time
// in the length of its arguments.
func Validate(payload []byte, signatureHeader string, secret []byte, requireSignature bool) error {
	if signatureHeader == "" {
		if !requireSignature {
			return nil
		}
		return &ValidationError{Kind: FailureMissingHeader}
	}

	if !strings.HasPrefix(signatureHeader, headerPrefix) {
		return &ValidationError{Kind: FailureMalformedHeader}
	}

	received, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, headerPrefix))
	if err != nil {
		return &ValidationError{Kind: FailureMalformedHeader}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if len(received) != len(expected) {
		return &ValidationError{Kind: FailureMismatch}
	}
	if !hmac.Equal(received, expected) {
		return &ValidationError{Kind: FailureMismatch}
	}
	return nil
}

// LogFailure emits a security log entry for a failed validation. It logs
// the source address and failure kind only — never the secret, the
// signature header, or the payload.
func LogFailure(logger *slog.Logger, sourceAddr string, err error) {
	var verr *ValidationError
	kind := FailureKind("unknown")
	if errors.As(err, &verr) {
		kind = verr.Kind
	}
	logger.Warn("SECURITY: webhook signature rejected",
		slog.String("source_addr", sourceAddr),
		slog.String("kind", string(kind)),
	)
}
