// Package providers maps a webhook URL path segment to the header and
// signature configuration that governs how that source's requests are
// parsed.
package providers

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

var pathSegment = regexp.MustCompile(`^[a-z0-9\-_]+$`)

// Config describes one provider's intake behavior.
type Config struct {
	// Name is the URL path segment, e.g. "github".
	Name string
	// RequireSignature controls whether C3 rejects unsigned requests for
	// this provider. GitHub-style providers require it; generic ones may
	// not.
	RequireSignature bool
	// Strict selects the strict header set (event type and delivery id
	// required; a content-type, when present, must be application/json)
	// versus the generic provider's relaxed fallback.
	Strict bool
	// EventTypeHeader and DeliveryIDHeader name the headers carrying the
	// event type and delivery id for this provider.
	EventTypeHeader  string
	DeliveryIDHeader string
	SignatureHeader  string
	// DefaultEventType records the provider's fallback event type. It is
	// not passed to normalize: when Strict is false and the header is
	// absent, normalize.Normalize always substitutes "webhook".
	DefaultEventType string
	// SecretName is the C2 secret store key holding this provider's
	// signing secret.
	SecretName string
}

// Registry maps path segments to provider configs, populated once at
// startup and read-only thereafter.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// New builds a Registry from configs, validating each path segment's shape
// and rejecting duplicates.
func New(configs []Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if !pathSegment.MatchString(c.Name) {
			return nil, fmt.Errorf("provider name %q must match %s", c.Name, pathSegment.String())
		}
		if _, exists := r.configs[c.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name %q", c.Name)
		}
		r.configs[c.Name] = c
	}
	return r, nil
}

// Lookup returns the Config registered for a URL path segment. The bool is
// false for an unregistered provider, which the caller must turn into a 404.
func (r *Registry) Lookup(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[name]
	return c, ok
}

// Names returns the registered provider path segments, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.configs))
	for name := range r.configs {
		out = append(out, name)
	}
	return out
}

// HeaderSpec projects a provider Config onto the shape normalize.Normalize
// expects.
func (c Config) HeaderSpec() normalize.HeaderSpec {
	return normalize.HeaderSpec{
		EventTypeHeader:  c.EventTypeHeader,
		DeliveryIDHeader: c.DeliveryIDHeader,
		SignatureHeader:  c.SignatureHeader,
		Strict:           c.Strict,
	}
}

// GitHubConfig is the bundled strict configuration for GitHub-style
// webhooks, using its documented default headers.
func GitHubConfig(secretName string) Config {
	return Config{
		Name:             "github",
		RequireSignature: true,
		Strict:           true,
		EventTypeHeader:  "X-GitHub-Event",
		DeliveryIDHeader: "X-GitHub-Delivery",
		SignatureHeader:  "X-Hub-Signature-256",
		SecretName:       secretName,
	}
}

// GenericConfig is the bundled relaxed fallback for providers that don't
// send the strict GitHub header set.
func GenericConfig(name, secretName string) Config {
	return Config{
		Name:             name,
		RequireSignature: secretName != "",
		Strict:           false,
		EventTypeHeader:  "X-Event-Type",
		DeliveryIDHeader: "X-Delivery-Id",
		SignatureHeader:  "X-Signature-256",
		DefaultEventType: "webhook",
		SecretName:       secretName,
	}
}
