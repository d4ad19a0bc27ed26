package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queue-keeper/queue-keeper/pkg/blobstore"
	"github.com/queue-keeper/queue-keeper/pkg/pipeline"
	"github.com/queue-keeper/queue-keeper/pkg/providers"
	"github.com/queue-keeper/queue-keeper/pkg/queueclient"
	"github.com/queue-keeper/queue-keeper/pkg/secrets"
	"github.com/queue-keeper/queue-keeper/pkg/subscriptions"
)

const testSecret = "s3cr3t"

var testAdminKey = []byte("admin-test-key")

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testAdminKey)
	require.NoError(t, err)
	return signed
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	providerRegistry, err := providers.New([]providers.Config{providers.GitHubConfig("github-webhook-secret")})
	require.NoError(t, err)

	store := secrets.New(secrets.StaticFetcher{Value: []byte(testSecret), Version: "v1"}, secrets.DefaultPolicy())

	blobDir := t.TempDir()
	blobs, err := blobstore.NewFileStore(blobDir)
	require.NoError(t, err)

	subs := []subscriptions.BotSubscription{
		{BotName: "merge-warden", QueueName: "queue-keeper-merge-warden",
			Events: []subscriptions.EventPattern{{Kind: subscriptions.PatternWildcard, Value: "pull_request.*"}}},
	}
	subRegistry, err := subscriptions.New(subs, subscriptions.Config{}, nil)
	require.NoError(t, err)

	queue := queueclient.NewInMemoryQueue()

	p := pipeline.New(pipeline.Config{
		Providers:     providerRegistry,
		Secrets:       store,
		Blobs:         blobs,
		Subscriptions: subRegistry,
		Queues:        pipeline.SingleProvider{Provider: queue},
		RetryPolicy:   queueclient.RetryPolicy{Base: time.Millisecond, Factor: 1.0, Cap: 5 * time.Millisecond, MaxAttempts: 2},
	})

	return New(p, nil, p, testAdminKey, nil)
}

func prPayload(number int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number": number,
		},
		"repository": map[string]any{
			"id":        1,
			"name":      "r",
			"full_name": "o/r",
			"owner":     map[string]any{"login": "o", "type": "Organization"},
			"private":   false,
		},
	})
	return body
}

func TestHandleWebhook_AcceptsValidSignedRequest(t *testing.T) {
	s := newTestServer(t)
	body := prPayload(42)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", sign(body))

	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Event-Id"))
}

func TestHandleWebhook_BadSignatureReturnsProblemDetail(t *testing.T) {
	s := newTestServer(t)
	body := prPayload(42)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(make([]byte, 32)))

	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestHandleWebhook_UnknownProviderReturns404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/doesnotexist", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhook_OversizedBodyRejected(t *testing.T) {
	s := newTestServer(t)

	oversized := strings.Repeat("a", maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(oversized))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth_AlwaysOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_ReflectsSetReady(t *testing.T) {
	s := newTestServer(t)
	s.SetReady(false)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminCircuit_ListAndReset(t *testing.T) {
	s := newTestServer(t)
	body := prPayload(1)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	s.Mux().ServeHTTP(httptest.NewRecorder(), req)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/circuit", nil)
	listW := httptest.NewRecorder()
	s.Mux().ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var states map[string]string
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &states))
	require.NotEmpty(t, states)

	var name string
	for k := range states {
		name = k
		break
	}

	resetReq := httptest.NewRequest(http.MethodPost, "/admin/circuit/"+name+"/reset", nil)
	resetReq.Header.Set("Authorization", "Bearer "+adminToken(t, "admin"))
	resetW := httptest.NewRecorder()
	s.Mux().ServeHTTP(resetW, resetReq)
	assert.Equal(t, http.StatusNoContent, resetW.Code)

	missingReq := httptest.NewRequest(http.MethodPost, "/admin/circuit/nonexistent/reset", nil)
	missingReq.Header.Set("Authorization", "Bearer "+adminToken(t, "admin"))
	missingW := httptest.NewRecorder()
	s.Mux().ServeHTTP(missingW, missingReq)
	assert.Equal(t, http.StatusNotFound, missingW.Code)
}

func TestAdminCircuitReset_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/circuit/blobstore/reset", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCircuitReset_RejectsNonAdminRole(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/circuit/blobstore/reset", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "viewer"))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
