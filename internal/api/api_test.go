package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/api"
	"github.com/Auro-rium/aex/internal/api/handlers"
	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

const (
	testToken    = "aex_live_0123456789abcdef0123456789abcdef"
	testAdminKey = "admin-control-key-for-tests"
)

type gateway struct {
	handler http.Handler
	store   *store.Store
	agent   *models.Agent
}

// newGateway wires the full router against a stub provider.
func newGateway(t *testing.T, providerURL string) *gateway {
	t.Helper()
	ctx := context.Background()

	cfgDir := t.TempDir()
	writeCatalogFiles(t, cfgDir, providerURL)

	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "aex.db"), "", store.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	agent := &models.Agent{
		ID:          "ag_api",
		Name:        "api-test",
		TokenHash:   identity.HashToken(testToken),
		BudgetMicro: 1_000_000,
		RPMLimit:    100,
		TPMLimit:    1_000_000,
		Capabilities: models.Capabilities{
			Streaming: true,
			Tools:     true,
		},
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	cfg := &config.Config{
		Version:         "test",
		ConfigDir:       cfgDir,
		AdminControlKey: testAdminKey,
		ReserveTTL:      time.Minute,
		InFlightWait:    time.Second,
		OverrunPolicy:   "clamp",
	}

	cat, err := catalog.New(cfgDir)
	require.NoError(t, err)
	pol, err := policy.New(filepath.Join(cfgDir, "policies"))
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	lim := ratelimit.New(s)
	adm := admission.New(s, cat, pol, lim, m, cfg.ReserveTTL, cfg.InFlightWait)
	disp := dispatch.New(s, lim, m, 5*time.Second, 2*time.Second)

	h := handlers.New(cfg, s, adm, disp, cat, replay.New(s))
	router := api.NewRouter(cfg, h, identity.New(s), s)
	return &gateway{handler: router, store: s, agent: agent}
}

func writeCatalogFiles(t *testing.T, dir, providerURL string) {
	t.Helper()
	files := map[string]string{
		"models.yaml": `default: gpt-test
models:
  - name: gpt-test
    provider: testprov
    provider_model: gpt-test-v9
    input_micro: 5
    output_micro: 10
    max_tokens: 100
    streaming: true
`,
		"providers.yaml": fmt.Sprintf(`providers:
  - name: testprov
    base_url: %s
    api_key_env: TESTPROV_API_KEY
`, providerURL),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func stubProvider(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-stub",
			"object":  "chat.completion",
			"model":   "gpt-test-v9",
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "ok"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func chatRequest(key string) *http.Request {
	body := `{"model":"gpt-test","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

// ─── Public surface ──────────────────────────────────────────

func TestHealthNeedsNoAuth(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingBearerIsRejected(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestUnknownTokenIsRejected(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	req := chatRequest("")
	req.Header.Set("Authorization", "Bearer "+strings.Repeat("z", 40))
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionEndToEnd(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, chatRequest(""))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-AEX-Execution-Id"))
	require.NotEmpty(t, rec.Header().Get("X-AEX-Reserve-Micro"))
	require.Equal(t, "false", rec.Header().Get("X-AEX-Idempotent-Hit"))
	// 10×5 + 5×10 = 100µ settled
	require.Equal(t, "100", rec.Header().Get("X-AEX-Commit-Micro"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "gpt-test", resp["model"])

	agent, err := gw.store.GetAgent(context.Background(), gw.agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), agent.SpentMicro)
	require.Equal(t, int64(0), agent.ReservedMicro)
}

func TestIdempotentReplayReturnsCachedResponse(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	first := httptest.NewRecorder()
	gw.handler.ServeHTTP(first, chatRequest("idem-api-1"))
	require.Equal(t, http.StatusOK, first.Code)
	execID := first.Header().Get("X-AEX-Execution-Id")

	second := httptest.NewRecorder()
	gw.handler.ServeHTTP(second, chatRequest("idem-api-1"))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("X-AEX-Idempotent-Hit"))
	require.Equal(t, execID, second.Header().Get("X-AEX-Execution-Id"))
	require.Equal(t, "100", second.Header().Get("X-AEX-Commit-Micro"))

	// No double spend.
	agent, err := gw.store.GetAgent(context.Background(), gw.agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), agent.SpentMicro)
}

func TestUnknownModelIsDenied(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	body := `{"model":"gpt-imaginary","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "catalog", rec.Header().Get("X-AEX-Deny-Kind"))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1, "denial body carries only the detail")
	require.NotEmpty(t, resp["detail"])
}

func TestBudgetDenialBody(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	poorToken := "aex_live_ffffffffffffffffffffffffffffffff"
	require.NoError(t, gw.store.CreateAgent(context.Background(), &models.Agent{
		ID:          "ag_poor",
		Name:        "api-test-poor",
		TokenHash:   identity.HashToken(poorToken),
		BudgetMicro: 10,
		RPMLimit:    100,
		TPMLimit:    1_000_000,
	}))

	req := chatRequest("")
	req.Header.Set("Authorization", "Bearer "+poorToken)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "budget", rec.Header().Get("X-AEX-Deny-Kind"))
	require.JSONEq(t, `{"detail":"Insufficient budget"}`, rec.Body.String())
}

func TestOpenAIPrefixMirrorsV1(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	require.Equal(t, "gpt-test", resp.Data[0].ID)
}

func TestAgentsMe(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/agents/me", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var agent models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	require.Equal(t, "ag_api", agent.ID)
	require.Equal(t, int64(1_000_000), agent.BudgetMicro)
	require.NotContains(t, rec.Body.String(), identity.HashToken(testToken))
}

func TestExecutionLookupIsOwnerScoped(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	first := httptest.NewRecorder()
	gw.handler.ServeHTTP(first, chatRequest(""))
	execID := first.Header().Get("X-AEX-Execution-Id")
	require.NotEmpty(t, execID)

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/"+execID, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var exec models.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	require.Equal(t, models.StateCommitted, exec.State)

	rec = httptest.NewRecorder()
	missing := httptest.NewRequest(http.MethodGet, "/v1/executions/ex_nope", nil)
	missing.Header.Set("Authorization", "Bearer "+testToken)
	gw.handler.ServeHTTP(rec, missing)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// ─── Admin surface ───────────────────────────────────────────

func TestAdminRequiresControlKey(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/activity", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/activity", nil)
	req.Header.Set("X-AEX-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminActivityReturnsLedgerEvents(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	done := httptest.NewRecorder()
	gw.handler.ServeHTTP(done, chatRequest(""))
	require.Equal(t, http.StatusOK, done.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/activity", nil)
	req.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.EventRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
}

func TestAdminReplayVerifiesCleanLedger(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	done := httptest.NewRecorder()
	gw.handler.ServeHTTP(done, chatRequest(""))
	require.Equal(t, http.StatusOK, done.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/replay", nil)
	req.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminReplayHaltsOnCorruptLedger(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)
	ctx := context.Background()

	done := httptest.NewRecorder()
	gw.handler.ServeHTTP(done, chatRequest(""))
	require.Equal(t, http.StatusOK, done.Code)

	require.NoError(t, gw.store.CorruptEventHash(ctx, models.DefaultChainScope, 1, strings.Repeat("f", 64)))

	req := httptest.NewRequest(http.MethodGet, "/admin/replay", nil)
	req.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Admissions are latched shut until clear_integrity.
	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, chatRequest(""))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	clear := httptest.NewRequest(http.MethodPost, "/admin/control/clear_integrity", nil)
	clear.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, clear)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, chatRequest(""))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminPauseAllBlocksExecution(t *testing.T) {
	gw := newGateway(t, stubProvider(t).URL)

	pause := httptest.NewRequest(http.MethodPost, "/admin/control/pause_all", nil)
	pause.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, pause)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, chatRequest(""))
	require.Equal(t, http.StatusLocked, rec.Code)

	resume := httptest.NewRequest(http.MethodPost, "/admin/control/resume_all", nil)
	resume.Header.Set("X-AEX-Admin-Key", testAdminKey)
	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, resume)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, chatRequest(""))
	require.Equal(t, http.StatusOK, rec.Code)
}
