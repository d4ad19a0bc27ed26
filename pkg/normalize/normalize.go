// Package normalize parses a raw WebhookRequest into a provider-neutral
// EventEnvelope: it extracts repository, entity, and session identity,
// and is a pure function of its inputs plus an injected id/clock source.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/ids"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB
	maxJSONDepth = 16
)

// FieldErrorKind classifies a normalization failure for the Permanent error
// category (§7): these are never retried and surface as 400 to the caller.
type FieldErrorKind string

const (
	ErrMissingEventType FieldErrorKind = "missing_event_type"
	ErrMissingDeliveryID FieldErrorKind = "missing_delivery_id"
	ErrBadContentType    FieldErrorKind = "bad_content_type"
	ErrPayloadTooLarge   FieldErrorKind = "payload_too_large"
	ErrPayloadTooDeep    FieldErrorKind = "payload_too_deep"
	ErrMalformedJSON     FieldErrorKind = "malformed_json"
	ErrMissingRepository FieldErrorKind = "missing_repository"
)

// FieldError reports a permanent normalization failure.
type FieldError struct {
	Kind FieldErrorKind
}

func (e *FieldError) Error() string { return fmt.Sprintf("normalize: %s", e.Kind) }

// HeaderSpec describes how a provider's headers map onto the normalization
// inputs. Strict providers (e.g. GitHub) require all three; generic
// providers relax EventType and DeliveryID.
type HeaderSpec struct {
	EventTypeHeader  string
	DeliveryIDHeader string
	SignatureHeader  string
	Strict           bool
}

// Options configures a Normalize call.
type Options struct {
	ProviderID string
	Headers    HeaderSpec
	Clock      ids.Clock
	// CorrelationHeader names the inbound header carrying a trace id, if any.
	CorrelationHeader string
}

// HeaderValue looks up name in headers under its canonical MIME form
// (net/http always stores inbound headers that way; textproto.CanonicalMIMEHeaderKey
// lowercases everything but the first letter of each dash-separated
// segment, so "X-GitHub-Event" and "x-github-event" both land on
// "X-Github-Event" regardless of how the caller or a provider's header
// spec happened to capitalize it).
func HeaderValue(headers map[string]string, name string) string {
	return headers[textproto.CanonicalMIMEHeaderKey(name)]
}

func canonicalizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

type payloadShape struct {
	Repository *struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		Private  bool   `json:"private"`
		Owner    struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"owner"`
	} `json:"repository"`
	Action      string `json:"action"`
	PullRequest *struct {
		Number    int64  `json:"number"`
		UpdatedAt string `json:"updated_at"`
	} `json:"pull_request"`
	Issue *struct {
		Number    int64  `json:"number"`
		UpdatedAt string `json:"updated_at"`
	} `json:"issue"`
	Release *struct {
		TagName     string `json:"tag_name"`
		PublishedAt string `json:"published_at"`
	} `json:"release"`
	HeadCommit *struct {
		Timestamp string `json:"timestamp"`
	} `json:"head_commit"`
	Ref string `json:"ref"`
}

// Normalize parses req according to opts, producing an EventEnvelope.
func Normalize(req WebhookRequest, opts Options) (EventEnvelope, error) {
	if len(req.Body) > maxBodyBytes {
		return EventEnvelope{}, &FieldError{Kind: ErrPayloadTooLarge}
	}
	if err := checkDepth(req.Body, maxJSONDepth); err != nil {
		return EventEnvelope{}, err
	}

	headers := canonicalizeHeaders(req.Headers)

	eventType := HeaderValue(headers, opts.Headers.EventTypeHeader)
	deliveryID := HeaderValue(headers, opts.Headers.DeliveryIDHeader)

	if opts.Headers.Strict {
		if eventType == "" {
			return EventEnvelope{}, &FieldError{Kind: ErrMissingEventType}
		}
		if deliveryID == "" {
			return EventEnvelope{}, &FieldError{Kind: ErrMissingDeliveryID}
		}
		if ct := HeaderValue(headers, "Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
			return EventEnvelope{}, &FieldError{Kind: ErrBadContentType}
		}
	} else {
		if eventType == "" {
			eventType = "webhook"
		}
		if deliveryID == "" {
			deliveryID = ids.NewCorrelationID().String()
		}
	}

	var shape payloadShape
	if len(req.Body) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(req.Body)))
		if err := dec.Decode(&shape); err != nil {
			return EventEnvelope{}, &FieldError{Kind: ErrMalformedJSON}
		}
	}

	if shape.Repository == nil {
		return EventEnvelope{}, &FieldError{Kind: ErrMissingRepository}
	}

	repo := Repository{
		NumericID: shape.Repository.ID,
		Name:      shape.Repository.Name,
		FullName:  shape.Repository.FullName,
		Owner:     Owner{Login: shape.Repository.Owner.Login, Type: shape.Repository.Owner.Type},
		Private:   shape.Repository.Private,
	}

	entity := deriveEntity(eventType, shape)

	sessionID, err := buildSessionID(repo, entity)
	if err != nil {
		// A session-id component is empty (deriveEntity already maps a
		// missing PR/issue number to Unknown); retry as Unknown, which
		// still fails when the repository owner or name is missing.
		entity = EventEntity{Kind: EntityUnknown}
		sessionID, err = buildSessionID(repo, entity)
		if err != nil {
			return EventEnvelope{}, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = ids.SystemClock{}
	}

	correlationID := ids.CorrelationID(HeaderValue(headers, opts.CorrelationHeader))
	if correlationID == "" {
		correlationID = ids.NewCorrelationID()
	}

	now := clock.Now()
	occurredAt := now
	if ts, ok := derivePayloadTimestamp(eventType, shape); ok {
		occurredAt = ts
	}

	return EventEnvelope{
		EventID:       ids.NewEventID(clock),
		ProviderID:    opts.ProviderID,
		EventType:     eventType,
		Action:        shape.Action,
		Repository:    repo,
		Entity:        entity,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
		ProcessedAt:   now,
		PayloadJSON:   append(json.RawMessage(nil), req.Body...),
	}, nil
}

// derivePayloadTimestamp extracts the provider-supplied event timestamp
// when the payload carries one for this event type. Providers vary in
// where they put it, so each shape is checked independently; when none
// match or the field fails to parse, the caller falls back to processing
// time.
func derivePayloadTimestamp(eventType string, shape payloadShape) (time.Time, bool) {
	var raw string
	switch {
	case strings.HasPrefix(eventType, "pull_request") && shape.PullRequest != nil:
		raw = shape.PullRequest.UpdatedAt
	case (strings.HasPrefix(eventType, "issues") || strings.HasPrefix(eventType, "issue_comment")) && shape.Issue != nil:
		raw = shape.Issue.UpdatedAt
	case strings.HasPrefix(eventType, "release") && shape.Release != nil:
		raw = shape.Release.PublishedAt
	case eventType == "push" && shape.HeadCommit != nil:
		raw = shape.HeadCommit.Timestamp
	}
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func deriveEntity(eventType string, shape payloadShape) EventEntity {
	switch {
	case strings.HasPrefix(eventType, "pull_request"):
		if shape.PullRequest != nil && shape.PullRequest.Number != 0 {
			return EventEntity{Kind: EntityPullRequest, Number: shape.PullRequest.Number}
		}
		return EventEntity{Kind: EntityUnknown}
	case strings.HasPrefix(eventType, "issues") || strings.HasPrefix(eventType, "issue_comment"):
		if shape.Issue != nil && shape.Issue.Number != 0 {
			return EventEntity{Kind: EntityIssue, Number: shape.Issue.Number}
		}
		return EventEntity{Kind: EntityUnknown}
	case eventType == "push":
		ref := shape.Ref
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			ref = ref[idx+1:]
		}
		if ref != "" {
			return EventEntity{Kind: EntityBranch, Name: ref}
		}
		return EventEntity{Kind: EntityUnknown}
	case strings.HasPrefix(eventType, "release"):
		if shape.Release != nil && shape.Release.TagName != "" {
			return EventEntity{Kind: EntityRelease, Tag: shape.Release.TagName}
		}
		return EventEntity{Kind: EntityUnknown}
	}
	return EventEntity{Kind: EntityRepository}
}

func buildSessionID(repo Repository, entity EventEntity) (ids.SessionID, error) {
	owner := repo.Owner.Login
	name := repo.Name
	if owner == "" || name == "" {
		return "", errors.New("repository missing owner or name")
	}
	return ids.NewSessionID(owner, name, string(entity.Kind), entity.ID())
}

// checkDepth performs a cheap bound on JSON nesting depth without fully
// decoding the document. Normalize runs it after the size cap and before
// JSON decoding, so a deeply nested payload is rejected without decoding.
func checkDepth(body []byte, max int) error {
	depth := 0
	inString := false
	escaped := false
	for _, b := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > max {
				return &FieldError{Kind: ErrPayloadTooDeep}
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}
