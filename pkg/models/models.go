// Package models defines the shared domain types for the AEX governance
// gateway: agents, executions, reservations, and the hash-chained event log.
//
// All monetary amounts are integer micro-units (1 USD = 1,000,000 µ).
// Floating point never appears in a stored or compared amount.
package models

import (
	"encoding/json"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

// TokenScope restricts what a bearer token may do.
type TokenScope string

const (
	ScopeExecution TokenScope = "execution"
	ScopeReadOnly  TokenScope = "read-only"
)

// LifecycleState gates whether an agent may execute at all. Only READY
// agents are admitted; the admin control surface flips the others.
type LifecycleState string

const (
	LifecycleReady     LifecycleState = "READY"
	LifecyclePaused    LifecycleState = "PAUSED"
	LifecycleSandboxed LifecycleState = "SANDBOXED"
	LifecycleKilled    LifecycleState = "KILLED"
)

// Capabilities is the per-agent permission set evaluated by the policy
// kernel. A nil AllowedModels slice means no model restriction.
type Capabilities struct {
	AllowedModels    []string `json:"allowed_models,omitempty"`
	Streaming        bool     `json:"streaming"`
	Tools            bool     `json:"tools"`
	Vision           bool     `json:"vision"`
	Strict           bool     `json:"strict"`
	AllowPassthrough bool     `json:"allow_passthrough"`
	MaxInputTokens   int64    `json:"max_input_tokens,omitempty"`
	MaxOutputTokens  int64    `json:"max_output_tokens,omitempty"`
}

// Agent is the identity and account of a caller.
//
// Budget invariant, enforced by check constraints in the store:
//
//	SpentMicro + ReservedMicro <= BudgetMicro
type Agent struct {
	ID             string         `json:"agent_id"`
	Name           string         `json:"name"`
	TokenHash      string         `json:"-"` // 64-hex SHA-256, never serialized
	TokenExpiresAt *time.Time     `json:"token_expires_at,omitempty"`
	Scope          TokenScope     `json:"scope"`
	Lifecycle      LifecycleState `json:"lifecycle_state"`

	BudgetMicro   int64 `json:"budget_micro"`
	SpentMicro    int64 `json:"spent_micro"`
	ReservedMicro int64 `json:"reserved_micro"`

	RPMLimit int64 `json:"rpm_limit"`
	TPMLimit int64 `json:"tpm_limit"`

	Capabilities Capabilities `json:"capabilities"`

	TokensPrompt     int64      `json:"tokens_prompt"`
	TokensCompletion int64      `json:"tokens_completion"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
}

// RemainingMicro is the budget headroom available for new reservations.
func (a *Agent) RemainingMicro() int64 {
	return a.BudgetMicro - a.SpentMicro - a.ReservedMicro
}

// ── Execution ────────────────────────────────────────────────

// ExecState is the admission/settlement state of one execution.
type ExecState string

const (
	StateReserving  ExecState = "RESERVING"
	StateReserved   ExecState = "RESERVED"
	StateDispatched ExecState = "DISPATCHED"
	StateCommitted  ExecState = "COMMITTED"
	StateReleased   ExecState = "RELEASED"
	StateDenied     ExecState = "DENIED"
	StateFailed     ExecState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecState) Terminal() bool {
	switch s {
	case StateCommitted, StateReleased, StateDenied, StateFailed:
		return true
	}
	return false
}

// Route is the northbound operation class an execution belongs to.
type Route string

const (
	RouteChat       Route = "chat"
	RouteResponses  Route = "responses"
	RouteEmbeddings Route = "embeddings"
	RouteTools      Route = "tools"
)

// Execution is one admission attempt, from reserve through a terminal
// state. Rows are created by the admission controller and mutated only
// through the store's transition primitives; once terminal they are
// immutable.
type Execution struct {
	ID             string    `json:"execution_id"`
	AgentID        string    `json:"agent_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RequestHash    string    `json:"request_hash"` // 64-hex SHA-256
	Route          Route     `json:"route"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	State          ExecState `json:"state"`

	ReserveMicro int64 `json:"reserve_micro"`
	CommitMicro  int64 `json:"commit_micro"`
	ReleaseMicro int64 `json:"release_micro"`

	DecisionHash string `json:"decision_hash,omitempty"`

	// ResponseCache holds the terminal response body for idempotent replay.
	ResponseCache json.RawMessage `json:"response_cache,omitempty"`
	StatusCode    int             `json:"status_code,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
}

// Reservation is the fast-lookup row for a live budget ticket.
type Reservation struct {
	ExecutionID   string    `json:"execution_id"`
	AgentID       string    `json:"agent_id"`
	ReservedMicro int64     `json:"reserved_micro"`
	State         ExecState `json:"state"`
	ExpiresAt     time.Time `json:"expires_at"`
	Version       int64     `json:"version"`
}

// ── Event log ────────────────────────────────────────────────

// EventType names the ledger event kinds.
type EventType string

const (
	EventReserve     EventType = "reserve"
	EventDispatch    EventType = "dispatch"
	EventCommit      EventType = "commit"
	EventRelease     EventType = "release"
	EventFail        EventType = "fail"
	EventDenyBudget  EventType = "deny.budget"
	EventDenyRate    EventType = "deny.rate"
	EventDenyPolicy  EventType = "deny.policy"
	EventTokenRotate EventType = "token.rotate"
	EventControl     EventType = "control"
)

// GenesisHash is the prev_hash of the first event in every chain scope.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultChainScope is the single chain used for single-tenant deployments.
const DefaultChainScope = "global"

// EventRecord is one immutable row of the hash-chained audit ledger.
//
//	EventHash = SHA256(PrevHash ‖ canonical(Payload) ‖ Type ‖ Seq)
type EventRecord struct {
	Seq         int64           `json:"seq"`
	ChainScope  string          `json:"chain_scope"`
	ExecutionID string          `json:"execution_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Type        EventType       `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prev_hash"`
	EventHash   string          `json:"event_hash"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// ── Model catalog ────────────────────────────────────────────

// ModelEntry is the read-only pricing and capability record for one
// catalog model. InputMicro/OutputMicro are µ per token.
type ModelEntry struct {
	Name          string `json:"name" yaml:"name"`
	Provider      string `json:"provider" yaml:"provider"`
	ProviderModel string `json:"provider_model" yaml:"provider_model"`
	InputMicro    int64  `json:"input_micro" yaml:"input_micro"`
	OutputMicro   int64  `json:"output_micro" yaml:"output_micro"`
	MaxTokens     int64  `json:"max_tokens" yaml:"max_tokens"`
	Streaming     bool   `json:"streaming" yaml:"streaming"`
	Tools         bool   `json:"tools" yaml:"tools"`
	Vision        bool   `json:"vision" yaml:"vision"`
}

// ProviderEntry describes one upstream provider endpoint.
type ProviderEntry struct {
	Name      string `json:"name" yaml:"name"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
}

// ToolEntry is a sandboxed tool exposed through POST /v1/tools/execute.
// Tools are priced per call rather than per token.
type ToolEntry struct {
	Name      string `json:"name" yaml:"name"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	CostMicro int64  `json:"cost_micro" yaml:"cost_micro"`
}

// ── Usage ────────────────────────────────────────────────────

// Usage mirrors the OpenAI usage block on responses and stream frames.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}
