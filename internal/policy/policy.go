// Package policy evaluates admission policy: a fixed kernel of capability
// gates followed by operator-supplied expression plugins. The kernel always
// runs first; plugins can only tighten (deny) or patch the request, never
// widen what the kernel refused.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/canonical"
	"github.com/Auro-rium/aex/pkg/models"
)

// patchableKeys are the only request fields a plugin patch may touch.
var patchableKeys = map[string]bool{
	"temperature":    true,
	"max_tokens":     true,
	"top_p":          true,
	"stream":         true,
	"tool_choice":    true,
	"system_prepend": true,
}

// strictKnownKeys is the allowlist of top-level body fields under strict
// capability mode.
var strictKnownKeys = map[string]bool{
	"model": true, "messages": true, "input": true, "instructions": true,
	"max_tokens": true, "max_output_tokens": true, "temperature": true,
	"top_p": true, "stream": true, "stop": true, "n": true,
	"tools": true, "tool_choice": true, "response_format": true,
	"seed": true, "user": true, "stream_options": true,
	"tool": true, "arguments": true, "idempotency_key": true,
}

// Decision is the outcome of one policy evaluation. DecisionHash covers the
// allow flag, reason, patch, and trace so the ledger can prove which policy
// admitted an execution.
type Decision struct {
	Allow        bool           `json:"allow"`
	Reason       string         `json:"reason,omitempty"`
	Patch        map[string]any `json:"patch,omitempty"`
	Trace        []string       `json:"trace"`
	DecisionHash string         `json:"decision_hash"`
}

// Input is everything the policy layer sees about one request.
type Input struct {
	Agent       *models.Agent
	Route       models.Route
	Model       string
	ModelEntry  *models.ModelEntry
	Body        map[string]any
	Stream      bool
	InputTokens int64 // estimated prompt tokens
}

type plugin struct {
	name    string
	program *vm.Program
}

// Engine holds the compiled plugin pipeline. Engines are immutable after
// New; the server builds a fresh one on config reload.
type Engine struct {
	plugins []plugin
}

// New compiles every *.expr file under dir (usually
// <config>/policies), in lexical order. A missing directory means no
// plugins. A file that fails to compile is a startup error: a policy the
// operator wrote must never be silently skipped.
func New(dir string) (*Engine, error) {
	e := &Engine{}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".expr") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", name, err)
		}
		program, err := expr.Compile(string(src))
		if err != nil {
			return nil, fmt.Errorf("compile policy %s: %w", name, err)
		}
		e.plugins = append(e.plugins, plugin{name: strings.TrimSuffix(name, ".expr"), program: program})
		log.Info().Str("policy", name).Msg("policy plugin compiled")
	}
	return e, nil
}

// Evaluate runs the kernel gates and the plugin pipeline. Deny-first: the
// first denial (kernel or plugin) ends evaluation. Plugin patches merge
// last-wins across the allowed keys.
func (e *Engine) Evaluate(in Input) *Decision {
	d := &Decision{Allow: true, Patch: map[string]any{}, Trace: []string{}}

	if reason := kernelDeny(in); reason != "" {
		d.Allow = false
		d.Reason = reason
		d.Trace = append(d.Trace, "kernel:deny")
		return seal(d)
	}
	d.Trace = append(d.Trace, "kernel:allow")

	env := pluginEnv(in)
	for _, p := range e.plugins {
		out, err := expr.Run(p.program, env)
		if err != nil {
			d.Allow = false
			d.Reason = fmt.Sprintf("policy %s failed: %v", p.name, err)
			d.Trace = append(d.Trace, p.name+":error")
			return seal(d)
		}
		verdict, ok := out.(map[string]any)
		if !ok {
			d.Allow = false
			d.Reason = fmt.Sprintf("policy %s returned %T, want map", p.name, out)
			d.Trace = append(d.Trace, p.name+":error")
			return seal(d)
		}

		switch decision, _ := verdict["decision"].(string); decision {
		case "deny":
			d.Allow = false
			if reason, _ := verdict["reason"].(string); reason != "" {
				d.Reason = reason
			} else {
				d.Reason = "denied by policy " + p.name
			}
			d.Trace = append(d.Trace, p.name+":deny")
			return seal(d)
		case "", "allow":
			d.Trace = append(d.Trace, p.name+":allow")
		default:
			d.Allow = false
			d.Reason = fmt.Sprintf("policy %s returned unknown decision %q", p.name, decision)
			d.Trace = append(d.Trace, p.name+":error")
			return seal(d)
		}

		if patch, ok := verdict["patch"].(map[string]any); ok {
			for k, v := range patch {
				if !patchableKeys[k] {
					log.Warn().Str("policy", p.name).Str("key", k).Msg("policy patch key not patchable, ignored")
					continue
				}
				d.Patch[k] = v
			}
		}
	}
	return seal(d)
}

func kernelDeny(in Input) string {
	caps := in.Agent.Capabilities

	if len(caps.AllowedModels) > 0 {
		allowed := false
		for _, m := range caps.AllowedModels {
			if m == in.Model {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("model %q is not in the agent's allowlist", in.Model)
		}
	}

	if in.Stream && !caps.Streaming {
		return "streaming is not permitted for this agent"
	}
	if in.Stream && in.ModelEntry != nil && !in.ModelEntry.Streaming {
		return fmt.Sprintf("model %q does not support streaming", in.Model)
	}

	if _, hasTools := in.Body["tools"]; (hasTools || in.Route == models.RouteTools) && !caps.Tools {
		return "tool use is not permitted for this agent"
	}
	if bodyHasImages(in.Body) && !caps.Vision {
		return "vision input is not permitted for this agent"
	}

	switch in.Route {
	case models.RouteChat:
		if _, ok := in.Body["messages"].([]any); !ok {
			return "chat request requires a messages array"
		}
	case models.RouteEmbeddings:
		if _, ok := in.Body["input"]; !ok {
			return "embeddings request requires an input field"
		}
	}

	if caps.MaxInputTokens > 0 && in.InputTokens > caps.MaxInputTokens {
		return fmt.Sprintf("estimated input of %d tokens exceeds the agent limit of %d", in.InputTokens, caps.MaxInputTokens)
	}
	if caps.MaxOutputTokens > 0 {
		if mt := intField(in.Body, "max_tokens"); mt > caps.MaxOutputTokens {
			return fmt.Sprintf("max_tokens %d exceeds the agent limit of %d", mt, caps.MaxOutputTokens)
		}
	}

	if caps.Strict {
		for k := range in.Body {
			if !strictKnownKeys[k] {
				return fmt.Sprintf("strict mode rejects unknown field %q", k)
			}
		}
	}
	return ""
}

func pluginEnv(in Input) map[string]any {
	return map[string]any{
		"agent": map[string]any{
			"id":     in.Agent.ID,
			"name":   in.Agent.Name,
			"budget": in.Agent.BudgetMicro,
			"spent":  in.Agent.SpentMicro,
		},
		"route":        string(in.Route),
		"model":        in.Model,
		"body":         in.Body,
		"stream":       in.Stream,
		"input_tokens": in.InputTokens,
	}
}

// seal computes the decision hash over the canonical decision body.
func seal(d *Decision) *Decision {
	if len(d.Patch) == 0 {
		d.Patch = nil
	}
	body := map[string]any{
		"allow":  d.Allow,
		"reason": d.Reason,
		"patch":  d.Patch,
		"trace":  d.Trace,
	}
	d.DecisionHash = canonical.HashHex(canonical.MustJSON(body))
	return d
}

// ApplyPatch folds the decision patch into the request body, last-wins.
// system_prepend inserts a system message at the head of messages.
func ApplyPatch(body map[string]any, patch map[string]any) {
	for k, v := range patch {
		if k == "system_prepend" {
			text, _ := v.(string)
			if text == "" {
				continue
			}
			msgs, _ := body["messages"].([]any)
			body["messages"] = append([]any{map[string]any{"role": "system", "content": text}}, msgs...)
			continue
		}
		body[k] = v
	}
}

func bodyHasImages(body map[string]any) bool {
	msgs, _ := body["messages"].([]any)
	for _, m := range msgs {
		mm, _ := m.(map[string]any)
		parts, _ := mm["content"].([]any)
		for _, p := range parts {
			pm, _ := p.(map[string]any)
			if t, _ := pm["type"].(string); t == "image_url" || t == "input_image" {
				return true
			}
		}
	}
	return false
}

func intField(body map[string]any, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
