package normalize

import (
	"encoding/json"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

// Owner identifies the account that holds a Repository.
type Owner struct {
	Login string `json:"login"`
	Type  string `json:"type"` // "User" or "Organization"
}

// Repository is the provider-neutral repository identity extracted from a
// webhook payload. NumericID is stable across renames.
type Repository struct {
	NumericID int64  `json:"id"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	Owner     Owner  `json:"owner"`
	Private   bool   `json:"private"`
}

// EntityKind tags the EventEntity union.
type EntityKind string

const (
	EntityPullRequest EntityKind = "pull_request"
	EntityIssue       EntityKind = "issue"
	EntityBranch      EntityKind = "branch"
	EntityRelease     EntityKind = "release"
	EntityRepository  EntityKind = "repository"
	EntityUnknown     EntityKind = "unknown"
)

// EventEntity is the tagged-union entity addressed by an event: one of
// PullRequest{Number}, Issue{Number}, Branch{Name}, Release{Tag},
// Repository, or Unknown. Exactly one of Number/Name/Tag is meaningful,
// selected by Kind.
type EventEntity struct {
	Kind   EntityKind `json:"kind"`
	Number int64      `json:"number,omitempty"`
	Name   string     `json:"name,omitempty"`
	Tag    string     `json:"tag,omitempty"`
}

// ID returns the string form of the entity's identifying component, used to
// build the session id's final segment.
func (e EventEntity) ID() string {
	switch e.Kind {
	case EntityPullRequest, EntityIssue:
		return itoa(e.Number)
	case EntityBranch:
		return e.Name
	case EntityRelease:
		return e.Tag
	case EntityRepository:
		return "repository"
	default:
		return "unknown"
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// WebhookRequest is the immutable request as received: the headers used for
// routing, the exact received bytes (used verbatim for signature
// verification — never re-serialized), and the arrival time.
type WebhookRequest struct {
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

// EventEnvelope is the normalized, provider-neutral event record emitted by
// the normalizer. Once emitted it is never mutated.
type EventEnvelope struct {
	EventID       ids.EventID        `json:"event_id"`
	ProviderID    string             `json:"provider_id"`
	EventType     string             `json:"event_type"`
	Action        string             `json:"action,omitempty"`
	Repository    Repository         `json:"repository"`
	Entity        EventEntity        `json:"entity"`
	SessionID     ids.SessionID      `json:"session_id"`
	CorrelationID ids.CorrelationID  `json:"correlation_id"`
	OccurredAt    time.Time          `json:"occurred_at"`
	ProcessedAt   time.Time          `json:"processed_at"`
	PayloadJSON   json.RawMessage    `json:"payload_json"`
}
