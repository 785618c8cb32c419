package admission_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/fingerprint"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

const modelsYAML = `
default: gpt-test
models:
  - name: gpt-test
    provider: testprov
    provider_model: gpt-test-v9
    input_micro: 5
    output_micro: 10
    max_tokens: 100
    streaming: true
    tools: true
`

const providersYAML = `
providers:
  - name: testprov
    base_url: http://127.0.0.1:0
    api_key_env: TESTPROV_API_KEY
`

const toolsYAML = `
tools:
  - name: web_search
    endpoint: http://127.0.0.1:0/search
    cost_micro: 2500
`

type fixture struct {
	store *store.Store
	ctrl  *admission.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"models.yaml":    modelsYAML,
		"providers.yaml": providersYAML,
		"tools.yaml":     toolsYAML,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "aex.db"), "", store.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cat, err := catalog.New(dir)
	require.NoError(t, err)
	t.Cleanup(cat.Close)

	pol, err := policy.New(filepath.Join(dir, "policies"))
	require.NoError(t, err)

	ctrl := admission.New(s, cat, pol, ratelimit.New(s), metrics.New(prometheus.NewRegistry()),
		time.Minute, 300*time.Millisecond)
	return &fixture{store: s, ctrl: ctrl}
}

func (f *fixture) seedAgent(t *testing.T, budget int64, mut func(*models.Agent)) *identity.Principal {
	t.Helper()
	agent := &models.Agent{
		ID:          "ag_adm",
		Name:        "admission-test",
		TokenHash:   strings.Repeat("a", 64),
		Scope:       models.ScopeExecution,
		BudgetMicro: budget,
		RPMLimit:    100,
		TPMLimit:    1_000_000,
		Capabilities: models.Capabilities{
			Streaming: true,
			Tools:     true,
		},
	}
	if mut != nil {
		mut(agent)
	}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))
	return &identity.Principal{Agent: agent}
}

func chatBody() map[string]any {
	return map[string]any{
		"model": "gpt-test",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello there"},
		},
		"max_tokens": float64(50),
	}
}

func chatRequest(p *identity.Principal) admission.Request {
	return admission.Request{
		Principal: p,
		Route:     models.RouteChat,
		Body:      chatBody(),
	}
}

// ─── Outcomes ────────────────────────────────────────────────

func TestAdmitReserves(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)

	res, err := f.ctrl.Admit(context.Background(), chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)
	require.True(t, strings.HasPrefix(res.ExecutionID, "ex_"))
	require.Greater(t, res.ReserveMicro, int64(0))
	require.Equal(t, "gpt-test", res.RequestedModel)
	require.Equal(t, "testprov", res.Provider.Name)

	exec, err := f.store.LookupExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, models.StateReserved, exec.State)
	require.Equal(t, res.ReserveMicro, exec.ReserveMicro)
	require.Equal(t, res.Decision.DecisionHash, exec.DecisionHash)
}

func TestAdmitBudgetDenied(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 10, nil) // 10µ cannot cover any reserve

	res, err := f.ctrl.Admit(context.Background(), chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyBudget, res.DenyKind)
	require.Equal(t, 402, res.StatusCode)
}

func TestAdmitIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)
	ctx := context.Background()

	req := chatRequest(p)
	req.IdempotencyKey = "order-42"
	res, err := f.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)

	require.NoError(t, f.store.MarkDispatched(ctx, res.ExecutionID))
	require.NoError(t, f.store.Commit(ctx, store.CommitParams{
		ExecutionID: res.ExecutionID, ActualMicro: 42,
		ResponseBody: []byte(`{"done":true}`), StatusCode: 200,
	}))

	replayReq := chatRequest(p)
	replayReq.IdempotencyKey = "order-42"
	res2, err := f.ctrl.Admit(ctx, replayReq)
	require.NoError(t, err)
	require.Equal(t, admission.IdempotentHit, res2.Outcome)
	require.Equal(t, res.ExecutionID, res2.ExecutionID)
	require.JSONEq(t, `{"done":true}`, string(res2.Cached.ResponseCache))
}

func TestAdmitKeyReuseConflict(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)
	ctx := context.Background()

	req := chatRequest(p)
	req.IdempotencyKey = "order-42"
	_, err := f.ctrl.Admit(ctx, req)
	require.NoError(t, err)

	mutated := chatRequest(p)
	mutated.IdempotencyKey = "order-42"
	mutated.Body["messages"] = []any{map[string]any{"role": "user", "content": "something else"}}
	res, err := f.ctrl.Admit(ctx, mutated)
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyConflict, res.DenyKind)
	require.Equal(t, 409, res.StatusCode)
}

func TestAdmitInFlightBoundedWait(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)
	ctx := context.Background()

	req := chatRequest(p)
	req.IdempotencyKey = "slow-call"
	res, err := f.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)

	// The first call never reaches a terminal state; the retry must give
	// up after the bounded wait instead of blocking forever.
	retry := chatRequest(p)
	retry.IdempotencyKey = "slow-call"
	started := time.Now()
	res2, err := f.ctrl.Admit(ctx, retry)
	require.NoError(t, err)
	require.Equal(t, admission.InFlight, res2.Outcome)
	require.Equal(t, 409, res2.StatusCode)
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestAdmitRateLimited(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, func(a *models.Agent) { a.RPMLimit = 1 })
	ctx := context.Background()

	res, err := f.ctrl.Admit(ctx, chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)

	other := chatRequest(p)
	other.Body["messages"] = []any{map[string]any{"role": "user", "content": "second call"}}
	res2, err := f.ctrl.Admit(ctx, other)
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res2.Outcome)
	require.Equal(t, admission.DenyRate, res2.DenyKind)
	require.Equal(t, 429, res2.StatusCode)
	require.Greater(t, res2.RetryAfterSec, 0)
}

func TestAdmitPolicyDenied(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, func(a *models.Agent) {
		a.Capabilities.AllowedModels = []string{"some-other-model"}
	})
	ctx := context.Background()

	res, err := f.ctrl.Admit(ctx, chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyPolicy, res.DenyKind)
	require.Equal(t, 403, res.StatusCode)

	events, err := f.store.EventsByScope(ctx, models.DefaultChainScope)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, models.EventDenyPolicy, events[len(events)-1].Type)
}

func TestAdmitLifecycleGate(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, func(a *models.Agent) { a.Lifecycle = models.LifecyclePaused })

	res, err := f.ctrl.Admit(context.Background(), chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyLifecycle, res.DenyKind)
	require.Equal(t, 423, res.StatusCode)
}

func TestAdmitReadOnlyScope(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, func(a *models.Agent) { a.Scope = models.ScopeReadOnly })

	res, err := f.ctrl.Admit(context.Background(), chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyScope, res.DenyKind)
	require.Equal(t, 403, res.StatusCode)
}

func TestAdmitIntegrityHalt(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)
	ctx := context.Background()

	f.ctrl.Halt("chain break at seq 7")
	res, err := f.ctrl.Admit(ctx, chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyIntegrity, res.DenyKind)
	require.Equal(t, 503, res.StatusCode)

	f.ctrl.ClearIntegrity()
	res, err = f.ctrl.Admit(ctx, chatRequest(p))
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)
}

func TestAdmitUnknownModel(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)

	req := chatRequest(p)
	req.Body["model"] = "gpt-nonexistent"
	res, err := f.ctrl.Admit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, admission.Denied, res.Outcome)
	require.Equal(t, admission.DenyCatalog, res.DenyKind)
	require.Equal(t, 404, res.StatusCode)
}

func TestAdmitToolRoute(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)

	res, err := f.ctrl.Admit(context.Background(), admission.Request{
		Principal: p,
		Route:     models.RouteTools,
		Body:      map[string]any{"tool": "web_search", "arguments": map[string]any{"query": "golang"}},
	})
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)
	require.Equal(t, int64(2500), res.ReserveMicro, "tools are priced per call")
	require.NotNil(t, res.Tool)
}

// Execution id derivation and the admission pipeline must agree on the
// fingerprint so retries land on the same row.
func TestAdmitExecutionIDMatchesFingerprint(t *testing.T) {
	f := newFixture(t)
	p := f.seedAgent(t, 1_000_000, nil)

	req := chatRequest(p)
	req.IdempotencyKey = "key-1"
	res, err := f.ctrl.Admit(context.Background(), req)
	require.NoError(t, err)

	want := fingerprint.ExecutionID(p.Agent.ID, "key-1", res.RequestHash)
	require.Equal(t, want, res.ExecutionID)
}
