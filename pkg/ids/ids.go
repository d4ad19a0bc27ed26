// Package ids provides the typed identifier and time primitives shared
// across the intake pipeline: event ids, session ids, and correlation ids.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock supplies the current time to components that would otherwise call
// time.Now directly, so tests can inject deterministic timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// EventID is a lexicographically-sortable 128-bit time-prefixed identifier.
// Its canonical textual form is the 26-character Crockford base32 ULID
// encoding; the millisecond timestamp embedded in the first 48 bits is used
// to derive the blob store's hour partition.
type EventID struct {
	u ulid.ULID
}

// NewEventID allocates a fresh EventID using clock for the timestamp
// component and a cryptographically secure source for the random component.
func NewEventID(clock Clock) EventID {
	now := clock.Now()
	entropy := ulid.Monotonic(rand.Reader, 0)
	return EventID{u: ulid.MustNew(ulid.Timestamp(now), entropy)}
}

// ParseEventID decodes a canonical 26-character textual EventID.
func ParseEventID(s string) (EventID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id %q: %w", s, err)
	}
	return EventID{u: u}, nil
}

func (e EventID) String() string { return e.u.String() }

// Timestamp returns the creation time embedded in the identifier, truncated
// to millisecond precision, in UTC.
func (e EventID) Timestamp() time.Time { return ulid.Time(e.u.Time()).UTC() }

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.u.String()), nil }

func (e *EventID) UnmarshalText(text []byte) error {
	u, err := ulid.ParseStrict(string(text))
	if err != nil {
		return fmt.Errorf("parse event id %q: %w", string(text), err)
	}
	e.u = u
	return nil
}

var sessionIDSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SessionID is the deterministic grouping key `{owner}/{repo}/{entity_type}/{entity_id}`
// used to guarantee FIFO delivery within a destination queue.
type SessionID string

// NewSessionID builds a SessionID from its four components, validating the
// required shape and character set (ASCII alphanumeric plus -_/, no
// leading/trailing/consecutive slashes, max 128 characters). The result is
// a pure deterministic function of its inputs: no randomness, no clock.
func NewSessionID(owner, repo, entityType, entityID string) (SessionID, error) {
	parts := []string{owner, repo, entityType, entityID}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("session id component empty: %q", parts)
		}
		if !sessionIDSegment.MatchString(p) {
			return "", fmt.Errorf("session id component %q contains disallowed characters", p)
		}
	}
	id := strings.Join(parts, "/")
	if len(id) > 128 {
		return "", fmt.Errorf("session id %q exceeds 128 characters", id)
	}
	return SessionID(id), nil
}

func (s SessionID) String() string { return string(s) }

// CorrelationID is an opaque trace-propagation identifier, either carried in
// from an inbound request header or generated fresh.
type CorrelationID string

// NewCorrelationID generates a random correlation id using a 16-byte
// cryptographically secure value, hex-encoded, matching the shape of a
// typical inbound trace id so the two are interchangeable in logs.
func NewCorrelationID() CorrelationID {
	const hexChars = "0123456789abcdef"
	buf := make([]byte, 32)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(16))
		if err != nil {
			// crypto/rand failure is unrecoverable; fall back to a
			// time-based value rather than panic on a hot path.
			return CorrelationID(fmt.Sprintf("fallback-%d", time.Now().UnixNano()))
		}
		buf[i] = hexChars[n.Int64()]
	}
	return CorrelationID(buf)
}
