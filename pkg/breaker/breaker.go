// Package breaker wraps sony/gobreaker's generation-based state machine in
// the Closed/Open/HalfOpen vocabulary, with one Breaker
// instance per outbound dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's internal state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by Call when the breaker is Open and rejects
// the call without invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit open")

// ErrTooManyConcurrentRequests is returned when a HalfOpen breaker has
// reached its concurrent-probe limit.
var ErrTooManyConcurrentRequests = errors.New("too many concurrent requests in half-open state")

// Settings configures one Breaker instance.
type Settings struct {
	Name             string
	FailureThreshold uint32
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
	HalfOpenMax      uint32
}

// DefaultSettings returns the documented defaults for a named dependency.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMax:      5,
	}
}

// KeyVaultSettings returns the tighter defaults called out for the
// secret store dependency.
func KeyVaultSettings(name string) Settings {
	s := DefaultSettings(name)
	s.FailureThreshold = 3
	s.RecoveryTimeout = 60 * time.Second
	return s
}

// Breaker wraps one gobreaker.CircuitBreaker per outbound dependency. Its
// public surface is Call, State and Reset.
type Breaker struct {
	name     string
	settings Settings
	onChange func(name string, from, to State)

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker[any]
}

// New constructs a Breaker from Settings. onStateChange, if non-nil, is
// invoked on every transition and is the hook C12 uses to emit a log event
// for the state change.
func New(s Settings, onStateChange func(name string, from, to State)) *Breaker {
	b := &Breaker{name: s.Name, settings: s, onChange: onStateChange}
	b.cb = newGobreaker(s, onStateChange)
	return b
}

func newGobreaker(s Settings, onStateChange func(name string, from, to State)) *gobreaker.CircuitBreaker[any] {
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenMax,
		Interval:    s.FailureWindow,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
	if onStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(name, translateState(from), translateState(to))
		}
	}
	// gobreaker uses MaxRequests both as the half-open probe cap and as the
	// number of consecutive half-open successes that closes the breaker.
	// When SuccessThreshold is below HalfOpenMax, SuccessThreshold is used
	// for both (so fewer probes are admitted than HalfOpenMax); otherwise
	// HalfOpenMax is used for both.
	if s.SuccessThreshold > 0 && s.SuccessThreshold < s.HalfOpenMax {
		st.MaxRequests = s.SuccessThreshold
	}
	return gobreaker.NewCircuitBreaker[any](st)
}

// Reset forces the breaker back to Closed with a fresh failure count, for
// the operator-triggered admin reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := translateState(b.cb.State())
	b.cb = newGobreaker(b.settings, b.onChange)
	if b.onChange != nil && from != StateClosed {
		b.onChange(b.name, from, StateClosed)
	}
}

func translateState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return translateState(b.cb.State())
}

// Call executes fn through the breaker. Security and Configuration category
// errors must be excluded by the caller before calling Call (errors
// classified as security failures are not counted as circuit failures)
// — pass nil through a sentinel wrapper instead of invoking Call for those.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	result, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.name, ErrTooManyConcurrentRequests)
		}
		return nil, err
	}
	return result, nil
}
