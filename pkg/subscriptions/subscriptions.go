// Package subscriptions implements the immutable, startup-loaded mapping of
// event patterns to destination queues.
package subscriptions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

// PatternKind tags the EventPattern union.
type PatternKind string

const (
	PatternExact     PatternKind = "exact"
	PatternWildcard  PatternKind = "wildcard"
	PatternEntityAll PatternKind = "entity_all"
	PatternExclude   PatternKind = "exclude"
)

// EventPattern matches an event string against one of four rules.
type EventPattern struct {
	Kind  PatternKind `json:"kind"`
	Value string      `json:"value"`
}

// Matches reports whether event satisfies the pattern:
//   - Exact: string equality.
//   - Wildcard "prefix.*": event begins with "prefix.".
//   - EntityAll "x": event equals x or starts with "x.".
//   - Exclude: matches using the same rule as EntityAll against its value.
func (p EventPattern) Matches(event string) bool {
	switch p.Kind {
	case PatternExact:
		return event == p.Value
	case PatternWildcard:
		prefix := strings.TrimSuffix(p.Value, "*")
		return strings.HasPrefix(event, prefix)
	case PatternEntityAll, PatternExclude:
		return event == p.Value || strings.HasPrefix(event, p.Value+".")
	default:
		return false
	}
}

// RepositoryFilterKind tags the RepositoryFilter union.
type RepositoryFilterKind string

const (
	FilterExact       RepositoryFilterKind = "exact"
	FilterOwner       RepositoryFilterKind = "owner"
	FilterNamePattern RepositoryFilterKind = "name_pattern"
	FilterAnyOf       RepositoryFilterKind = "any_of"
	FilterAllOf       RepositoryFilterKind = "all_of"
)

// RepositoryFilter restricts a subscription to matching repositories.
type RepositoryFilter struct {
	Kind     RepositoryFilterKind `json:"kind"`
	Owner    string               `json:"owner,omitempty"`
	Name     string               `json:"name,omitempty"`
	Pattern  string               `json:"pattern,omitempty"`
	Children []RepositoryFilter   `json:"children,omitempty"`

	compiled *regexp.Regexp
}

func (f *RepositoryFilter) compile() error {
	switch f.Kind {
	case FilterNamePattern:
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("compile repository filter pattern %q: %w", f.Pattern, err)
		}
		f.compiled = re
	case FilterAnyOf, FilterAllOf:
		for i := range f.Children {
			if err := f.Children[i].compile(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Matches reports whether repo satisfies the filter.
func (f RepositoryFilter) Matches(repo normalize.Repository) bool {
	switch f.Kind {
	case FilterExact:
		return repo.Owner.Login == f.Owner && repo.Name == f.Name
	case FilterOwner:
		return repo.Owner.Login == f.Owner
	case FilterNamePattern:
		if f.compiled == nil {
			return false
		}
		return f.compiled.MatchString(repo.Name)
	case FilterAnyOf:
		for _, c := range f.Children {
			if c.Matches(repo) {
				return true
			}
		}
		return false
	case FilterAllOf:
		for _, c := range f.Children {
			if !c.Matches(repo) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// BotSubscription maps a set of event patterns to a destination queue.
type BotSubscription struct {
	BotName           string            `json:"bot_name"`
	QueueName         string            `json:"queue_name"`
	Events            []EventPattern    `json:"events"`
	Ordered           bool              `json:"ordered"`
	RepositoryFilter  *RepositoryFilter `json:"repository_filter,omitempty"`
	BotSpecificConfig json.RawMessage   `json:"bot_specific_config,omitempty"`
}

// QueueDestination is emitted by Resolve for each matching subscription.
type QueueDestination struct {
	BotName           string
	QueueName         string
	Ordered           bool
	BotSpecificConfig json.RawMessage
}

// QueuePinger is consulted at startup validation to confirm every declared
// queue is reachable. It is satisfied by pkg/queueclient's Provider.
type QueuePinger interface {
	Ping(queueName string) error
}

// Registry is the immutable, validated set of bot subscriptions.
type Registry struct {
	subscriptions []BotSubscription
	maxBots       int
}

// Config carries the startup parameters for New.
type Config struct {
	MaxBots int
}

// New validates subs against the startup rules and freezes
// them into a Registry. Validation failure is fatal (Configuration error
// category) and the caller should exit the process.
func New(subs []BotSubscription, cfg Config, pinger QueuePinger) (*Registry, error) {
	if cfg.MaxBots > 0 && len(subs) > cfg.MaxBots {
		return nil, fmt.Errorf("%d bots exceeds max_bots=%d", len(subs), cfg.MaxBots)
	}

	seen := make(map[string]struct{}, len(subs))
	queueNamePattern := regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	for i := range subs {
		s := &subs[i]
		if _, dup := seen[s.BotName]; dup {
			return nil, fmt.Errorf("duplicate bot name %q", s.BotName)
		}
		seen[s.BotName] = struct{}{}

		if !queueNamePattern.MatchString(s.QueueName) {
			return nil, fmt.Errorf("bot %q: invalid queue name %q", s.BotName, s.QueueName)
		}

		if s.RepositoryFilter != nil {
			if err := s.RepositoryFilter.compile(); err != nil {
				return nil, fmt.Errorf("bot %q: %w", s.BotName, err)
			}
		}

		if pinger != nil {
			if err := pinger.Ping(s.QueueName); err != nil {
				return nil, fmt.Errorf("bot %q: queue %q unreachable: %w", s.BotName, s.QueueName, err)
			}
		}
	}

	return &Registry{subscriptions: subs, maxBots: cfg.MaxBots}, nil
}

// Resolve evaluates every subscription against envelope in declaration
// order, per the per-subscription matching algorithm.
func (r *Registry) Resolve(envelope normalize.EventEnvelope) []QueueDestination {
	eventString := envelope.EventType
	if envelope.Action != "" {
		eventString = envelope.EventType + "." + envelope.Action
	}

	var out []QueueDestination
	for _, s := range r.subscriptions {
		if matchesExclude(s.Events, eventString) {
			continue
		}
		if !matchesAnyInclude(s.Events, eventString) {
			continue
		}
		if s.RepositoryFilter != nil && !s.RepositoryFilter.Matches(envelope.Repository) {
			continue
		}
		ordered := s.Ordered && RequiresStableSessionID(string(envelope.Entity.Kind))
		out = append(out, QueueDestination{
			BotName:           s.BotName,
			QueueName:         s.QueueName,
			Ordered:           ordered,
			BotSpecificConfig: s.BotSpecificConfig,
		})
	}
	return out
}

func matchesExclude(patterns []EventPattern, event string) bool {
	for _, p := range patterns {
		if p.Kind == PatternExclude && p.Matches(event) {
			return true
		}
	}
	return false
}

func matchesAnyInclude(patterns []EventPattern, event string) bool {
	for _, p := range patterns {
		if p.Kind != PatternExclude && p.Matches(event) {
			return true
		}
	}
	return false
}

// QueueNames returns the distinct destination queue names declared across
// all subscriptions, in declaration order, for startup wiring of one
// circuit breaker and provider binding per queue.
func (r *Registry) QueueNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range r.subscriptions {
		if _, ok := seen[s.QueueName]; ok {
			continue
		}
		seen[s.QueueName] = struct{}{}
		out = append(out, s.QueueName)
	}
	return out
}

// RequiresStableSessionID reports whether ordered=true is permitted for the
// given entity kind: any entity except Unknown supports a stable session id.
// An envelope whose entity downgraded to Unknown has no identity to key a
// session on, so Resolve falls back to unordered delivery for it rather
// than serializing unrelated events behind one synthetic session.
func RequiresStableSessionID(entityKind string) bool {
	return entityKind != string(normalize.EntityUnknown)
}
