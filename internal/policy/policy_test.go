package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/pkg/models"
)

func testAgent(caps models.Capabilities) *models.Agent {
	return &models.Agent{ID: "ag_1", Name: "tester", Capabilities: caps}
}

func chatInput(agent *models.Agent, body map[string]any) policy.Input {
	if body == nil {
		body = map[string]any{"model": "m", "messages": []any{}}
	}
	return policy.Input{
		Agent:      agent,
		Route:      models.RouteChat,
		Model:      "m",
		ModelEntry: &models.ModelEntry{Name: "m", Streaming: true},
		Body:       body,
	}
}

func writePolicy(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

// ─── Kernel gates ────────────────────────────────────────────

func TestKernelModelAllowlist(t *testing.T) {
	e, err := policy.New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	agent := testAgent(models.Capabilities{AllowedModels: []string{"other"}})
	d := e.Evaluate(chatInput(agent, nil))
	if d.Allow {
		t.Error("model outside the allowlist was admitted")
	}

	agent = testAgent(models.Capabilities{AllowedModels: []string{"m"}})
	d = e.Evaluate(chatInput(agent, nil))
	if !d.Allow {
		t.Errorf("allowlisted model denied: %s", d.Reason)
	}
}

func TestKernelStreamingGate(t *testing.T) {
	e, _ := policy.New(t.TempDir())

	in := chatInput(testAgent(models.Capabilities{Streaming: false}), nil)
	in.Stream = true
	if d := e.Evaluate(in); d.Allow {
		t.Error("streaming admitted without the capability")
	}

	in = chatInput(testAgent(models.Capabilities{Streaming: true}), nil)
	in.Stream = true
	if d := e.Evaluate(in); !d.Allow {
		t.Errorf("streaming denied despite the capability: %s", d.Reason)
	}
}

func TestKernelToolsAndVisionGates(t *testing.T) {
	e, _ := policy.New(t.TempDir())

	body := map[string]any{"model": "m", "messages": []any{}, "tools": []any{}}
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), body)); d.Allow {
		t.Error("tool request admitted without the capability")
	}

	visionBody := map[string]any{"model": "m", "messages": []any{
		map[string]any{"role": "user", "content": []any{
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://x/y.png"}},
		}},
	}}
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), visionBody)); d.Allow {
		t.Error("vision request admitted without the capability")
	}
}

func TestKernelMaxTokenLimits(t *testing.T) {
	e, _ := policy.New(t.TempDir())

	in := chatInput(testAgent(models.Capabilities{MaxInputTokens: 100}), nil)
	in.InputTokens = 500
	if d := e.Evaluate(in); d.Allow {
		t.Error("oversized input admitted")
	}

	body := map[string]any{"model": "m", "messages": []any{}, "max_tokens": float64(9000)}
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{MaxOutputTokens: 1000}), body)); d.Allow {
		t.Error("oversized max_tokens admitted")
	}
}

func TestKernelStrictMode(t *testing.T) {
	e, _ := policy.New(t.TempDir())

	body := map[string]any{"model": "m", "messages": []any{}, "frobnicate": true}
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{Strict: true}), body)); d.Allow {
		t.Error("strict mode admitted an unknown field")
	}
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), body)); !d.Allow {
		t.Errorf("non-strict agent denied for an unknown field: %s", d.Reason)
	}
}

func TestKernelPayloadShape(t *testing.T) {
	e, _ := policy.New(t.TempDir())
	if d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), map[string]any{"model": "m"})); d.Allow {
		t.Error("chat request without messages admitted")
	}
}

// ─── Plugins ─────────────────────────────────────────────────

func TestPluginDenyFirst(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "10-deny-big.expr",
		`input_tokens > 100 ? {"decision": "deny", "reason": "prompt too large"} : {"decision": "allow"}`)
	writePolicy(t, dir, "20-patch.expr",
		`{"decision": "allow", "patch": {"temperature": 0.5}}`)

	e, err := policy.New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	in := chatInput(testAgent(models.Capabilities{}), nil)
	in.InputTokens = 500
	d := e.Evaluate(in)
	if d.Allow {
		t.Fatal("deny plugin did not deny")
	}
	if d.Reason != "prompt too large" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if len(d.Patch) != 0 {
		t.Error("patches applied after a denial")
	}
}

func TestPluginPatchMergeLastWins(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "10-temp.expr", `{"decision": "allow", "patch": {"temperature": 0.9, "top_p": 0.5}}`)
	writePolicy(t, dir, "20-temp.expr", `{"decision": "allow", "patch": {"temperature": 0.1}}`)

	e, err := policy.New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), nil))
	if !d.Allow {
		t.Fatalf("denied: %s", d.Reason)
	}
	if d.Patch["temperature"] != 0.1 {
		t.Errorf("temperature = %v, want last-wins 0.1", d.Patch["temperature"])
	}
	if d.Patch["top_p"] != 0.5 {
		t.Errorf("top_p = %v, want 0.5 preserved", d.Patch["top_p"])
	}
}

func TestPluginUnpatchableKeyIgnored(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "10-sneaky.expr", `{"decision": "allow", "patch": {"model": "something-else"}}`)

	e, _ := policy.New(dir)
	d := e.Evaluate(chatInput(testAgent(models.Capabilities{}), nil))
	if !d.Allow {
		t.Fatalf("denied: %s", d.Reason)
	}
	if _, ok := d.Patch["model"]; ok {
		t.Error("plugin patched a non-patchable key")
	}
}

func TestPluginCompileErrorFailsStartup(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "10-broken.expr", `this is ( not an expression`)
	if _, err := policy.New(dir); err == nil {
		t.Fatal("New() accepted an uncompilable policy")
	}
}

func TestDecisionHashStable(t *testing.T) {
	e, _ := policy.New(t.TempDir())
	agent := testAgent(models.Capabilities{})
	a := e.Evaluate(chatInput(agent, nil))
	b := e.Evaluate(chatInput(agent, nil))
	if a.DecisionHash == "" || a.DecisionHash != b.DecisionHash {
		t.Errorf("decision hash unstable: %q vs %q", a.DecisionHash, b.DecisionHash)
	}
}

func TestApplyPatchSystemPrepend(t *testing.T) {
	body := map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	policy.ApplyPatch(body, map[string]any{"system_prepend": "be careful", "temperature": 0.2})

	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be careful" {
		t.Errorf("system prepend = %v", first)
	}
	if body["temperature"] != 0.2 {
		t.Errorf("temperature = %v", body["temperature"])
	}
}
