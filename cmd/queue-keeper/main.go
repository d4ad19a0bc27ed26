// Command queue-keeper runs the webhook intake and routing service: one
// process accepts signed provider webhooks, persists them immutably, and
// routes them onto per-bot queues.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver for the dead-letter router

	"github.com/queue-keeper/queue-keeper/pkg/blobstore"
	"github.com/queue-keeper/queue-keeper/pkg/config"
	"github.com/queue-keeper/queue-keeper/pkg/deadletter"
	"github.com/queue-keeper/queue-keeper/pkg/httpapi"
	"github.com/queue-keeper/queue-keeper/pkg/observability"
	"github.com/queue-keeper/queue-keeper/pkg/pipeline"
	"github.com/queue-keeper/queue-keeper/pkg/providers"
	"github.com/queue-keeper/queue-keeper/pkg/queueclient"
	"github.com/queue-keeper/queue-keeper/pkg/ratelimit"
	"github.com/queue-keeper/queue-keeper/pkg/secrets"
	"github.com/queue-keeper/queue-keeper/pkg/subscriptions"
)

// Exit codes: 0 normal shutdown, 3 startup validation
// failure (bad config, unreachable queue, duplicate bot), 1 unrecoverable
// runtime failure.
const (
	exitOK               = 0
	exitStartupFailure   = 3
	exitRuntimeFailure   = 1
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out.
var startServer = runServer

// Run is the CLI entrypoint, kept separate from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "queue-keeper - webhook intake and routing service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  queue-keeper [server]   run the service (default)")
	fmt.Fprintln(w, "  queue-keeper health     check a running instance's health endpoint")
	fmt.Fprintln(w, "  queue-keeper help       show this message")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return exitRuntimeFailure
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return exitRuntimeFailure
	}
	fmt.Fprintln(out, "OK")
	return exitOK
}

func runServer() int {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.LogConfiguration {
		logger.Info("configuration loaded",
			slog.Int("max_bots", cfg.MaxBots),
			slog.Int("default_message_ttl_s", cfg.DefaultMessageTTLSecs),
			slog.Bool("validate_on_startup", cfg.ValidateOnStartup),
			slog.Bool("degraded_persistence", cfg.DegradedPersistence),
		)
	}

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		logger.Error("observability init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}
	defer obs.Shutdown(ctx)

	secretStore, err := newSecretStore(ctx)
	if err != nil {
		logger.Error("secret store init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	providerRegistry, err := providers.New([]providers.Config{
		providers.GitHubConfig("github-webhook-secret"),
		providers.GenericConfig("generic", "generic-webhook-secret"),
	})
	if err != nil {
		logger.Error("provider registry init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	blobs, err := blobstore.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("blob store init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	queueProvider, err := newQueueProvider(ctx)
	if err != nil {
		logger.Error("queue provider init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	dlq, err := newDeadLetterRouter(ctx, blobs)
	if err != nil {
		logger.Error("dead-letter router init failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	subs, err := cfg.LoadSubscriptions()
	if err != nil {
		logger.Error("subscription document load failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	var pinger subscriptions.QueuePinger
	if cfg.ValidateOnStartup {
		pinger = queuePinger{queueProvider}
	}
	subRegistry, err := subscriptions.New(subs, subscriptions.Config{MaxBots: cfg.MaxBots}, pinger)
	if err != nil {
		logger.Error("subscription validation failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}
	logger.Info("subscriptions validated", slog.Int("bot_count", len(subs)))

	adminJWTKey, err := adminJWTSecret(ctx, secretStore, cfg.AdminJWTSecretName)
	if err != nil {
		logger.Error("admin JWT secret load failed", slog.String("error", err.Error()))
		return exitStartupFailure
	}

	p := pipeline.New(pipeline.Config{
		Providers:           providerRegistry,
		Secrets:             secretStore,
		Blobs:               blobs,
		Subscriptions:       subRegistry,
		Queues:              pipeline.SingleProvider{Provider: queueProvider},
		DeadLetter:          dlq,
		Semaphore:           ratelimit.NewSemaphore(64),
		SourceLimiter:       ratelimit.NewSourceLimiter(ratelimit.DefaultSourceLimiterConfig()),
		Logger:              logger,
		Metrics:             obs,
		DegradedPersistence: cfg.DegradedPersistence,
	})

	server := httpapi.New(p, nil, p, adminJWTKey, logger)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		logger.Info("health server listening", slog.String("addr", ":8081"))
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info("webhook server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, server.Mux()); err != nil {
			logger.Error("webhook server failed", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	return exitOK
}

// queuePinger adapts a queueclient.Provider to subscriptions.QueuePinger.
type queuePinger struct{ p queueclient.Provider }

func (q queuePinger) Ping(queueName string) error { return q.p.Ping(queueName) }

// newSecretStore builds the C2 secret cache, backed by SSM in AWS
// deployments or by environment variables when QUEUEKEEPER_SECRETS_BACKEND
// is unset, matching the dev-mode fallback the rest of the config package
// uses.
func newSecretStore(ctx context.Context) (*secrets.Store, error) {
	var fetcher secrets.Fetcher
	switch os.Getenv("QUEUEKEEPER_SECRETS_BACKEND") {
	case "ssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		fetcher = secrets.SSMFetcher{Client: ssm.NewFromConfig(awsCfg), Prefix: "/queue-keeper/"}
	default:
		fetcher = secrets.EnvFetcher{}
	}
	return secrets.New(fetcher, secrets.DefaultPolicy()), nil
}

// newQueueProvider selects a queueclient.Provider per
// QUEUEKEEPER_QUEUE_BACKEND, defaulting to an in-process queue for local
// and test deployments.
func newQueueProvider(ctx context.Context) (queueclient.Provider, error) {
	switch os.Getenv("QUEUEKEEPER_QUEUE_BACKEND") {
	case "sqs":
		return queueclient.NewSQSQueue(ctx, queueclient.SQSConfig{
			Region: os.Getenv("AWS_REGION"),
			FIFO:   os.Getenv("QUEUEKEEPER_SQS_FIFO") == "true",
		})
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR")})
		return queueclient.NewRedisStreamQueue(client), nil
	default:
		return queueclient.NewInMemoryQueue(), nil
	}
}

// newDeadLetterRouter selects a deadletter.Router per DATABASE_URL's
// presence, falling back to the same blob store used for raw payloads (under
// its dead-letters namespace) so a single-process deployment never needs
// Postgres just to run.
func newDeadLetterRouter(ctx context.Context, blobs blobstore.Store) (deadletter.Router, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return deadletter.NewBlobRouter(blobs, nil), nil
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return deadletter.NewPostgresRouter(db), nil
}

// adminJWTSecret resolves the HS256 signing key used to authenticate the
// admin circuit-breaker endpoints.
func adminJWTSecret(ctx context.Context, store *secrets.Store, name string) ([]byte, error) {
	v, _, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	key := append([]byte(nil), v.Bytes()...)
	return key, nil
}
