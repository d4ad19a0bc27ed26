// Package httpapi wires the intake pipeline to the wire: the webhook
// intake route, liveness/readiness probes, and the admin circuit-breaker
// endpoints.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/queue-keeper/queue-keeper/pkg/api"
	"github.com/queue-keeper/queue-keeper/pkg/auth"
	"github.com/queue-keeper/queue-keeper/pkg/breaker"
	"github.com/queue-keeper/queue-keeper/pkg/normalize"
	"github.com/queue-keeper/queue-keeper/pkg/pipeline"
)

// maxBodyBytes bounds request bodies before they ever reach normalize,
// matching the cap normalize.Normalize enforces internally.
const maxBodyBytes = 1 << 20

// Readiness reports whether the process has finished startup validation
// and is fit to accept traffic.
type Readiness interface {
	Ready() (bool, string)
}

// CircuitInspector exposes breaker state for the admin surface.
type CircuitInspector interface {
	Breakers() map[string]breaker.State
	ResetBreaker(name string) bool
}

// Server is the HTTP front door. One instance per process.
type Server struct {
	pipeline    *pipeline.Pipeline
	readiness   Readiness
	admin       CircuitInspector
	adminJWTKey []byte
	logger      *slog.Logger

	ready atomic.Bool
}

// New builds a Server. readiness and admin may be nil; with a nil readiness,
// /ready reports the flag set by SetReady (initially ready), and with a nil
// admin the admin endpoints return 501. adminJWTKey
// signs/verifies bearer tokens for the admin circuit-reset endpoint; a nil
// key leaves that endpoint permanently unauthenticated-forbidden.
func New(p *pipeline.Pipeline, readiness Readiness, admin CircuitInspector, adminJWTKey []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pipeline: p, readiness: readiness, admin: admin, adminJWTKey: adminJWTKey, logger: logger}
	s.ready.Store(true)
	return s
}

// SetReady flips the readiness flag used when no Readiness is wired.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Mux builds the routed handler for the service, wrapped with the
// request-id middleware every response (and every RFC 7807 body) relies on
// for its trace_id field.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /admin/circuit", s.handleCircuitList)
	mux.Handle("POST /admin/circuit/{dependency}/reset", AdminAuth(s.adminJWTKey, http.HandlerFunc(s.handleCircuitReset)))
	return auth.RequestIDMiddleware(mux)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return
	}
	if len(body) > maxBodyBytes {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "request body exceeds maximum size")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	req := normalize.WebhookRequest{
		Headers:    headers,
		Body:       body,
		ReceivedAt: time.Now(),
	}

	outcome := s.pipeline.Handle(r.Context(), provider, req, sourceAddr(r))

	switch outcome.Status {
	case http.StatusAccepted:
		w.Header().Set("X-Event-Id", outcome.EventID)
		w.WriteHeader(http.StatusAccepted)
	case http.StatusBadRequest:
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "the request failed normalization")
	case http.StatusUnauthorized:
		api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "signature validation failed")
	case http.StatusNotFound:
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown provider")
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "60")
		api.WriteErrorR(w, r, http.StatusTooManyRequests, "Too Many Requests", "source rate limit exceeded")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
		api.WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "a dependency is unavailable")
	default:
		s.logger.Error("pipeline returned unexpected status", slog.Int("status", outcome.Status))
		api.WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}

func sourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, reason := true, ""
	if s.readiness != nil {
		ready, reason = s.readiness.Ready()
	} else {
		ready = s.ready.Load()
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "reason": reason})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleCircuitList(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		api.WriteError(w, http.StatusNotImplemented, "Not Implemented", "circuit inspection is not configured")
		return
	}
	states := s.admin.Breakers()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = string(st)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		api.WriteError(w, http.StatusNotImplemented, "Not Implemented", "circuit inspection is not configured")
		return
	}
	dependency := r.PathValue("dependency")
	if !s.admin.ResetBreaker(dependency) {
		api.WriteNotFound(w, "unknown dependency: "+dependency)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
