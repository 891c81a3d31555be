package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-os/veritas/internal/auth"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
)

const testAPIKey = "sk-veritas-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	policy := model.DefaultPolicy("test")
	data, err := json.Marshal(policy)
	require.NoError(t, err)
	policyPath := filepath.Join(dir, "fuji_policy.json")
	require.NoError(t, os.WriteFile(policyPath, data, 0o600))

	broker := NewBroker()
	mgr, err := fuji.NewManager(policyPath, logger, broker.Publish)
	require.NoError(t, err)

	log, err := trustlog.New(filepath.Join(dir, "trust"), mgr, logger)
	require.NoError(t, err)

	store, err := memory.New(filepath.Join(dir, "memory"), 100, nil, logger)
	require.NoError(t, err)

	core, err := values.NewCore(filepath.Join(dir, "values"), logger)
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Deps{
		Memory:   store,
		Gate:     fuji.NewGate(mgr, nil, logger),
		Policy:   mgr,
		Values:   core,
		TrustLog: log,
		Logger:   logger,
		Version:  "test",
		OnEvent:  broker.Publish,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Pipeline:     p,
		Policy:       mgr,
		TrustLog:     log,
		Memory:       store,
		Values:       core,
		Logger:       logger,
		Broker:       broker,
		Minter:       auth.NewTokenMinter("stream-secret", 0),
		Addr:         ":0",
		APIKey:       testAPIKey,
		Version:      "test",
		MaxBodyBytes: 1 << 20,
	})
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.4:5555"
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Data.Status)
	assert.NotEmpty(t, env.Data.PolicyVersion)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/governance/policy", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/governance/policy", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	rec3 := doRequest(t, srv, http.MethodGet, "/v1/governance/policy", "", true)
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", "", false)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "max-age=63072000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDecideEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/decide", `{
		"query": "choose a database",
		"alternatives": [
			{"id": "a", "title": "postgres", "score": 0.9},
			{"id": "b", "title": "flat files", "score": 0.2}
		]
	}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.DecideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, model.StatusAllow, resp.DecisionStatus)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "a", resp.Chosen.ID)
}

func TestDecideInvalidInput(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/decide", `{"context": {}}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp model.DecideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestFujiValidate(t *testing.T) {
	srv := newTestServer(t)

	good := model.DefaultPolicy("validator")
	body, err := json.Marshal(good)
	require.NoError(t, err)
	rec := doRequest(t, srv, http.MethodPost, "/v1/fuji/validate", string(body), true)
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := good
	bad.RiskThresholds.AllowUpper = 2.0
	body, err = json.Marshal(bad)
	require.NoError(t, err)
	rec = doRequest(t, srv, http.MethodPost, "/v1/fuji/validate", string(body), true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPolicyRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	updated := model.DefaultPolicy("admin")
	updated.Version = "2.0.0"
	body, err := json.Marshal(updated)
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPut, "/v1/governance/policy", string(body), true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/governance/policy", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.FujiPolicy `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "2.0.0", env.Data.Version)
}

func TestPutPolicyChainsGovernanceEntry(t *testing.T) {
	srv := newTestServer(t)

	updated := model.DefaultPolicy("admin")
	updated.Version = "2"
	body, err := json.Marshal(updated)
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPut, "/v1/governance/policy", string(body), true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/v1/decide", `{"query": "after the update"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/trust/logs?limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.TrustLogPage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data.Entries, 2)
	assert.Equal(t, "governance_policy_updated", env.Data.Entries[0].Stage)
	assert.Equal(t, "decide", env.Data.Entries[1].Stage)
}

func TestPutPolicyRejectsInvalid(t *testing.T) {
	srv := newTestServer(t)

	bad := model.DefaultPolicy("admin")
	bad.LogRetention.MaxLogSize = -1
	body, err := json.Marshal(bad)
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPut, "/v1/governance/policy", string(body), true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPut, "/v1/memory/put",
		`{"kind": "episodic", "text": "picked postgres for the ledger"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var putEnv struct {
		Data model.MemoryPutResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &putEnv))
	require.NotEmpty(t, putEnv.Data.ID)

	rec = doRequest(t, srv, http.MethodGet, "/v1/memory/get/"+putEnv.Data.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var getEnv struct {
		Data model.MemoryRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getEnv))
	assert.Equal(t, "picked postgres for the ledger", getEnv.Data.Text)

	// Another principal must not see the record.
	req := httptest.NewRequest(http.MethodGet, "/v1/memory/get/"+putEnv.Data.ID, nil)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set(PrincipalHeader, "mallory")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestMemoryPutRejectsUnknownKind(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPut, "/v1/memory/put",
		`{"kind": "pickle", "text": "nope"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemorySearchWithoutEmbedder(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/memory/search",
		`{"query": "anything"}`, true)
	// No embedder configured: capability unavailable, not a crash.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTrustEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/decide",
		`{"query": "audit me", "request_id": "req-audit-1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/trust/logs?limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var pageEnv struct {
		Data model.TrustLogPage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pageEnv))
	require.Len(t, pageEnv.Data.Entries, 1)

	rec = doRequest(t, srv, http.MethodGet, "/v1/trust/logs/by-request/req-audit-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var byReqEnv struct {
		Data model.TrustLogByRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byReqEnv))
	assert.True(t, byReqEnv.Data.ChainOK)
	require.Len(t, byReqEnv.Data.Entries, 1)

	rec = doRequest(t, srv, http.MethodGet, "/v1/trust/verify", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var verifyEnv struct {
		Data model.VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verifyEnv))
	assert.True(t, verifyEnv.Data.OK)
}

func TestValueDrift(t *testing.T) {
	srv := newTestServer(t)

	// A decide call for alice seeds the EMA state. The principal header
	// decides whose state moves; a user_id in the body would not.
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(
		`{"query": "drift seed"}`))
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set(PrincipalHeader, "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := doRequest(t, srv, http.MethodGet, "/v1/governance/value-drift?user_id=alice", "", true)
	require.Equal(t, http.StatusOK, rec2.Code)
	var env struct {
		Data model.DriftReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &env))
	assert.Equal(t, "alice", env.Data.UserID)
	assert.Equal(t, 1, env.Data.Samples)

	rec3 := doRequest(t, srv, http.MethodGet, "/v1/governance/value-drift?user_id=nobody", "", true)
	assert.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestStreamToken(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/auth/stream-token", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.StreamTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Data.Token)
	assert.True(t, env.Data.ExpiresAt.After(time.Now()))
}

func TestEventsAcceptsStreamToken(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/auth/stream-token", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.StreamTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+env.Data.Token)

	rec2 := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec2, req)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec2.Body.String(), ": connected")
}

func TestEventsRejectsTokenInQuery(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/auth/stream-token", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.StreamTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))

	rec2 := doRequest(t, srv, http.MethodGet, "/v1/events?token="+env.Data.Token, "", false)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestDecideEmitsSSEEvent(t *testing.T) {
	srv := newTestServer(t)

	ch := srv.handlers.Broker.Subscribe()
	defer srv.handlers.Broker.Unsubscribe(ch)

	rec := doRequest(t, srv, http.MethodPost, "/v1/decide", `{"query": "publish me"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case event := <-ch:
		text := string(event)
		assert.True(t, strings.HasPrefix(text, "event: decision\n"), "got %q", text)
		scanner := bufio.NewScanner(bytes.NewReader(event))
		var sawData bool
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data: ") {
				sawData = true
			}
		}
		assert.True(t, sawData)
	case <-time.After(time.Second):
		t.Fatal("no SSE event received for decision")
	}
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill beyond the buffer; broadcast must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish("decision", map[string]any{"n": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on slow subscriber")
	}
	assert.Equal(t, 64, len(ch))
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id-123", rec.Header().Get("X-Request-ID"))

	var env struct {
		Meta model.EnvelopeMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "fixed-id-123", env.Meta.RequestID)
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/nope", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorDetailGatedByDebug(t *testing.T) {
	kinded := model.E(model.KindInternal, "segment write failed", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/trust/verify", nil)

	h := &Handlers{}
	rec := httptest.NewRecorder()
	h.writeKindedError(rec, req, kinded)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "internal server error", env.Error.Message)

	h.debug = true
	rec = httptest.NewRecorder()
	h.writeKindedError(rec, req, kinded)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Contains(t, env.Error.Message, "segment write failed")
}

func TestDecideBodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	big := fmt.Sprintf(`{"query": %q}`, strings.Repeat("x", 2<<20))
	rec := doRequest(t, srv, http.MethodPost, "/v1/decide", big, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
