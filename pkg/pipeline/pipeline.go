// Package pipeline implements the intake orchestrator (C11): it drives a
// webhook request through provider lookup, signature validation, blob
// persistence, normalization, subscription resolution, and per-destination
// queue delivery.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/blobstore"
	"github.com/queue-keeper/queue-keeper/pkg/breaker"
	"github.com/queue-keeper/queue-keeper/pkg/deadletter"
	"github.com/queue-keeper/queue-keeper/pkg/ids"
	"github.com/queue-keeper/queue-keeper/pkg/normalize"
	"github.com/queue-keeper/queue-keeper/pkg/providers"
	"github.com/queue-keeper/queue-keeper/pkg/queueclient"
	"github.com/queue-keeper/queue-keeper/pkg/ratelimit"
	"github.com/queue-keeper/queue-keeper/pkg/secrets"
	"github.com/queue-keeper/queue-keeper/pkg/sessionlock"
	"github.com/queue-keeper/queue-keeper/pkg/signature"
	"github.com/queue-keeper/queue-keeper/pkg/subscriptions"
)

// Outcome reports the disposition of a Handle call, for translation to an
// HTTP response by the httpapi layer.
type Outcome struct {
	Status  int
	EventID string
}

// Metrics receives pipeline lifecycle events. Every method is optional; a
// nil Metrics is a valid no-op, so Handle never needs a nil check.
type Metrics interface {
	EnvelopeRouted(botName, queueName string)
	EnvelopeDeadLettered(botName, queueName string)
	CircuitStateChanged(dependency string, from, to breaker.State)
}

type noopMetrics struct{}

func (noopMetrics) EnvelopeRouted(string, string)                 {}
func (noopMetrics) EnvelopeDeadLettered(string, string)            {}
func (noopMetrics) CircuitStateChanged(string, breaker.State, breaker.State) {}

// QueueRouter resolves which queueclient.Provider serves a given queue
// name. Most deployments return the same provider for every queue; the
// interface exists so GitHub-webhook bots on SQS and a Redis-backed
// internal queue can coexist behind one pipeline.
type QueueRouter interface {
	ProviderFor(queueName string) queueclient.Provider
}

// SingleProvider routes every queue to the same backend.
type SingleProvider struct{ Provider queueclient.Provider }

func (s SingleProvider) ProviderFor(string) queueclient.Provider { return s.Provider }

// Config configures a Pipeline. DegradedPersistence, when true, lets a
// transient blob-store failure fall through to normalization and routing
// rather than failing the request.
type Config struct {
	Providers           *providers.Registry
	Secrets             *secrets.Store
	Blobs               blobstore.Store
	Subscriptions       *subscriptions.Registry
	Queues              QueueRouter
	DeadLetter          deadletter.Router
	Semaphore           *ratelimit.Semaphore
	SourceLimiter       *ratelimit.SourceLimiter
	Clock               ids.Clock
	Logger              *slog.Logger
	Metrics             Metrics
	DegradedPersistence bool
	RetryPolicy         queueclient.RetryPolicy
}

// Pipeline is the C11 orchestrator. One instance serves the whole process;
// all fields below it are either immutable after construction or
// internally synchronized.
type Pipeline struct {
	cfg    Config
	locks  *sessionlock.Table
	logger *slog.Logger
	metric Metrics

	breakersMu sync.Mutex
	breakers   map[string]*breaker.Breaker
}

// New builds a Pipeline from cfg, defaulting unset optional fields.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = ids.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.RetryPolicy == (queueclient.RetryPolicy{}) {
		cfg.RetryPolicy = queueclient.DefaultRetryPolicy()
	}
	return &Pipeline{
		cfg:      cfg,
		locks:    sessionlock.New(),
		logger:   cfg.Logger,
		metric:   cfg.Metrics,
		breakers: make(map[string]*breaker.Breaker),
	}
}

// Breakers returns a snapshot of every dependency breaker created so far,
// keyed by dependency name, for the admin circuit-inspection endpoint.
func (p *Pipeline) Breakers() map[string]breaker.State {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	out := make(map[string]breaker.State, len(p.breakers))
	for name, b := range p.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetBreaker forces the named dependency breaker closed. It reports
// false if no breaker by that name has been created yet.
func (p *Pipeline) ResetBreaker(name string) bool {
	p.breakersMu.Lock()
	b, ok := p.breakers[name]
	p.breakersMu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

func (p *Pipeline) breakerFor(name string, settings breaker.Settings) *breaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	if b, ok := p.breakers[name]; ok {
		return b
	}
	b := breaker.New(settings, func(dep string, from, to breaker.State) {
		p.logger.Info("circuit state change", slog.String("dependency", dep), slog.String("from", string(from)), slog.String("to", string(to)))
		p.metric.CircuitStateChanged(dep, from, to)
	})
	p.breakers[name] = b
	return b
}

// Handle drives req for the named provider path segment through the full
// intake pipeline. sourceAddr is the caller's address, used for rate
// limiting and security logging.
func (p *Pipeline) Handle(ctx context.Context, providerName string, req normalize.WebhookRequest, sourceAddr string) Outcome {
	if p.cfg.SourceLimiter != nil && !p.cfg.SourceLimiter.Allow(sourceAddr) {
		return Outcome{Status: 429}
	}

	if p.cfg.Semaphore != nil {
		release, err := p.cfg.Semaphore.Acquire(ctx)
		if err != nil {
			return Outcome{Status: 503}
		}
		defer release()
	}

	cfg, ok := p.cfg.Providers.Lookup(providerName)
	if !ok {
		return Outcome{Status: 404}
	}

	if cfg.RequireSignature {
		if status := p.validateSignature(ctx, cfg, req, sourceAddr); status != 0 {
			return Outcome{Status: status}
		}
	}

	envelope, err := normalize.Normalize(req, normalize.Options{
		ProviderID:        cfg.Name,
		Headers:           cfg.HeaderSpec(),
		Clock:             p.cfg.Clock,
		CorrelationHeader: "X-Correlation-Id",
	})
	if err != nil {
		var fieldErr *normalize.FieldError
		if errors.As(err, &fieldErr) {
			return Outcome{Status: 400}
		}
		p.logger.Error("normalize failed unexpectedly", slog.Any("error", err))
		return Outcome{Status: 500}
	}

	if status := p.persist(ctx, envelope, req); status != 0 {
		return Outcome{Status: status}
	}

	destinations := p.cfg.Subscriptions.Resolve(envelope)
	p.routeAll(ctx, envelope, destinations)

	return Outcome{Status: 202, EventID: envelope.EventID.String()}
}

// validateSignature returns a non-zero HTTP status on failure, or 0 to
// continue the pipeline.
func (p *Pipeline) validateSignature(ctx context.Context, cfg providers.Config, req normalize.WebhookRequest, sourceAddr string) int {
	b := p.breakerFor("secrets:"+cfg.SecretName, breaker.KeyVaultSettings("secrets:"+cfg.SecretName))

	result, err := b.Call(ctx, func(ctx context.Context) (any, error) {
		value, degraded, err := p.cfg.Secrets.Get(ctx, cfg.SecretName)
		if err != nil {
			return nil, err
		}
		if degraded {
			p.logger.Warn("serving degraded secret value", slog.String("secret", cfg.SecretName))
		}
		return value, nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, breaker.ErrTooManyConcurrentRequests) {
			return 503
		}
		p.logger.Error("secret fetch failed", slog.String("secret", cfg.SecretName), slog.Any("error", err))
		return 503
	}

	value := result.(*secrets.Value)
	defer value.Release()

	sigErr := signature.Validate(req.Body, normalize.HeaderValue(req.Headers, cfg.SignatureHeader), value.Bytes(), cfg.RequireSignature)
	if sigErr == nil {
		return 0
	}

	signature.LogFailure(p.logger, sourceAddr, sigErr)

	var verr *signature.ValidationError
	if errors.As(sigErr, &verr) && verr.Kind == signature.FailureMalformedHeader {
		return 400
	}
	return 401
}

// persist writes the raw payload to the blob store, retrying transient
// failures with queueclient.DefaultRetryPolicy's schedule (the schedule
// queue sends use unless Config.RetryPolicy overrides it). A permanent
// failure aborts the retry loop immediately and always fails the request.
// A transient failure that survives retry is swallowed when degraded
// persistence is enabled; otherwise persist returns a non-zero HTTP status.
func (p *Pipeline) persist(ctx context.Context, envelope normalize.EventEnvelope, req normalize.WebhookRequest) int {
	b := p.breakerFor("blobstore", breaker.DefaultSettings("blobstore"))
	policy := queueclient.DefaultRetryPolicy()

	var err error
	permanent := false
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		_, err = b.Call(ctx, func(ctx context.Context) (any, error) {
			return p.cfg.Blobs.Store(ctx, blobstore.NamespacePayloads, envelope.EventID, req.Body, blobstore.ValidationOK, blobstore.PayloadMetadata{
				EventType:  envelope.EventType,
				Repository: envelope.Repository.FullName,
				ReceivedAt: req.ReceivedAt,
			})
		})
		if err == nil {
			return 0
		}

		var permErr *blobstore.PermanentError
		if errors.As(err, &permErr) {
			permanent = true
			break
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 503
		case <-time.After(policy.Delay(attempt)):
		}
	}

	if p.cfg.DegradedPersistence && !permanent {
		p.logger.Warn("blob write failed, proceeding in degraded-persistence mode",
			slog.String("event_id", envelope.EventID.String()), slog.Any("error", err))
		return 0
	}

	p.logger.Error("blob write failed, rejecting request",
		slog.String("event_id", envelope.EventID.String()), slog.Any("error", err))

	if p.cfg.DeadLetter != nil {
		now := time.Now()
		_ = p.cfg.DeadLetter.Route(ctx, deadletter.Record{
			EventID:        envelope.EventID.String(),
			BotName:        "",
			QueueName:      "blobstore",
			Envelope:       envelope,
			LastError:      err.Error(),
			Attempts:       1,
			FirstAttemptAt: now,
			LastAttemptAt:  now,
		})
	}
	return 503
}

// routeAll fans the envelope out to every matching destination
// concurrently. Each destination's send, retry, and dead-lettering is
// independent: a failure on one destination never affects another.
func (p *Pipeline) routeAll(ctx context.Context, envelope normalize.EventEnvelope, destinations []subscriptions.QueueDestination) {
	var wg sync.WaitGroup
	for _, dest := range destinations {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.routeOne(ctx, envelope, dest)
		}()
	}
	wg.Wait()
}

func (p *Pipeline) routeOne(ctx context.Context, envelope normalize.EventEnvelope, dest subscriptions.QueueDestination) {
	var unlock func()
	opts := queueclient.SendOptions{Ordered: dest.Ordered}
	if dest.Ordered {
		opts.SessionID = envelope.SessionID.String()
		unlock = p.locks.Lock(sessionlock.Key(dest.QueueName, opts.SessionID))
		defer unlock()
	}

	provider := p.cfg.Queues.ProviderFor(dest.QueueName)
	b := p.breakerFor("queue:"+dest.QueueName, breaker.DefaultSettings("queue:"+dest.QueueName))

	_, err := b.Call(ctx, func(ctx context.Context) (any, error) {
		return queueclient.SendWithRetry(ctx, provider, dest.QueueName, envelope, opts, p.cfg.RetryPolicy)
	})
	if err == nil {
		p.metric.EnvelopeRouted(dest.BotName, dest.QueueName)
		return
	}

	p.logger.Warn("delivery failed terminally, dead-lettering",
		slog.String("event_id", envelope.EventID.String()),
		slog.String("bot", dest.BotName),
		slog.String("queue", dest.QueueName),
		slog.Any("error", err),
	)
	p.metric.EnvelopeDeadLettered(dest.BotName, dest.QueueName)

	if p.cfg.DeadLetter == nil {
		return
	}
	now := time.Now()
	if derr := p.cfg.DeadLetter.Route(ctx, deadletter.Record{
		EventID:        envelope.EventID.String(),
		BotName:        dest.BotName,
		QueueName:      dest.QueueName,
		Envelope:       envelope,
		LastError:      err.Error(),
		Attempts:       p.cfg.RetryPolicy.MaxAttempts,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
	}); derr != nil {
		p.logger.Error("failed to write dead letter record",
			slog.String("event_id", envelope.EventID.String()), slog.String("bot", dest.BotName), slog.Any("error", derr))
	}
}
