// Package admission runs the gate between an authenticated request and a
// budget reservation: fingerprint, idempotency, rate limit, policy, cost
// estimate, reserve. One call produces exactly one outcome.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/fingerprint"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// Outcome tags the admission result.
type Outcome int

const (
	// Admitted means a reservation holds and the caller must dispatch.
	Admitted Outcome = iota
	// Denied means the request was refused; Result carries kind and status.
	Denied
	// IdempotentHit means a terminal execution with this id already exists;
	// Result.Cached carries it, response body included.
	IdempotentHit
	// InFlight means an identical execution is still running and did not
	// reach a terminal state within the bounded wait.
	InFlight
)

// Denial kinds, used for the ledger, metrics, and the error body.
const (
	DenyBudget    = "budget"
	DenyRate      = "rate"
	DenyPolicy    = "policy"
	DenyLifecycle = "lifecycle"
	DenyScope     = "scope"
	DenyConflict  = "conflict"
	DenyIntegrity = "integrity"
	DenyCatalog   = "catalog"
	DenyOverload  = "overload"
)

// Request is one admission attempt for an already-authenticated principal.
type Request struct {
	Principal      *identity.Principal
	Route          models.Route
	Body           map[string]any
	IdempotencyKey string
	StepID         string
}

// Result is the tagged outcome of Admit.
type Result struct {
	Outcome Outcome

	ExecutionID string
	RequestHash string
	AgentID     string
	Route       models.Route

	// Set when Admitted: everything dispatch needs.
	Model          *models.ModelEntry
	Provider       *models.ProviderEntry
	Tool           *models.ToolEntry
	RequestedModel string // name the client asked for, used for masking
	Stream         bool
	Body           map[string]any // body after policy patches
	ReserveMicro   int64
	PromptTokens   int64
	Decision       *policy.Decision

	// Set when Denied.
	DenyKind      string
	StatusCode    int
	Detail        string
	RetryAfterSec int

	// Set when IdempotentHit.
	Cached *models.Execution
}

// Controller wires the admission pipeline.
type Controller struct {
	store   *store.Store
	catalog *catalog.Catalog
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics

	mu     sync.RWMutex
	policy *policy.Engine

	reserveTTL   time.Duration
	inflightWait time.Duration

	group singleflight.Group

	halted     atomic.Bool
	haltReason atomic.Value // string
}

// New builds the controller.
func New(s *store.Store, cat *catalog.Catalog, pol *policy.Engine, lim *ratelimit.Limiter, m *metrics.Metrics, reserveTTL, inflightWait time.Duration) *Controller {
	c := &Controller{
		store:        s,
		catalog:      cat,
		policy:       pol,
		limiter:      lim,
		metrics:      m,
		reserveTTL:   reserveTTL,
		inflightWait: inflightWait,
	}
	c.haltReason.Store("")
	return c
}

// SwapPolicy replaces the plugin pipeline, used by the admin reload.
func (c *Controller) SwapPolicy(pol *policy.Engine) {
	c.mu.Lock()
	c.policy = pol
	c.mu.Unlock()
}

// Halt stops all admissions until ClearIntegrity. Flipped by the replay
// verifier when the ledger chain fails verification.
func (c *Controller) Halt(reason string) {
	c.haltReason.Store(reason)
	c.halted.Store(true)
	log.Error().Str("reason", reason).Msg("admissions halted")
}

// ClearIntegrity lifts the halt.
func (c *Controller) ClearIntegrity() {
	c.halted.Store(false)
	c.haltReason.Store("")
	log.Warn().Msg("integrity halt cleared by operator")
}

// Halted reports the latch state and the recorded reason.
func (c *Controller) Halted() (bool, string) {
	reason, _ := c.haltReason.Load().(string)
	return c.halted.Load(), reason
}

// Admit runs the full pipeline. Concurrent identical requests collapse in
// process: only the leader reserves, followers wait for its terminal state.
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	if halted, reason := c.Halted(); halted {
		c.metrics.Denials.WithLabelValues(DenyIntegrity).Inc()
		return deny(DenyIntegrity, 503, "ledger integrity failure: "+reason), nil
	}

	if err := req.Principal.RequireExecutionScope(); err != nil {
		c.metrics.Denials.WithLabelValues(DenyScope).Inc()
		return deny(DenyScope, 403, err.Error()), nil
	}

	hash, err := fingerprint.Hash(fingerprint.Request{
		AgentID:        req.Principal.Agent.ID,
		Route:          req.Route,
		Body:           req.Body,
		IdempotencyKey: req.IdempotencyKey,
		StepID:         req.StepID,
	})
	if err != nil {
		return nil, err
	}
	execID := fingerprint.ExecutionID(req.Principal.Agent.ID, req.IdempotencyKey, hash)

	v, err, shared := c.group.Do(execID, func() (any, error) {
		return c.admit(ctx, req, execID, hash)
	})
	if err != nil {
		c.metrics.Admissions.WithLabelValues("error").Inc()
		return nil, err
	}
	res := v.(*Result)
	if shared && res.Outcome == Admitted {
		// A follower must not dispatch the leader's reservation.
		return c.awaitTerminal(ctx, execID, hash)
	}
	c.count(res)
	return res, nil
}

func (c *Controller) admit(ctx context.Context, req Request, execID, hash string) (*Result, error) {
	agent := req.Principal.Agent

	// Terminal cache before any rate charge: a replayed request costs
	// nothing and consumes no window.
	existing, err := c.store.LookupExecution(ctx, execID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.RequestHash != hash {
			return deny(DenyConflict, 409, "idempotency key reused with a different request body"), nil
		}
		if existing.State.Terminal() {
			return &Result{Outcome: IdempotentHit, ExecutionID: execID, RequestHash: hash, Cached: existing}, nil
		}
		return c.awaitTerminal(ctx, execID, hash)
	}

	snap := c.catalog.Snapshot()
	var (
		modelEntry    *models.ModelEntry
		providerEntry *models.ProviderEntry
		toolEntry     *models.ToolEntry
		requestedName string
	)
	if req.Route == models.RouteTools {
		name, _ := req.Body["tool"].(string)
		toolEntry, err = snap.Tool(name)
		if err != nil {
			return deny(DenyCatalog, 404, err.Error()), nil
		}
		requestedName = name
	} else {
		requestedName, _ = req.Body["model"].(string)
		modelEntry, providerEntry, err = snap.Lookup(requestedName)
		if err != nil {
			return deny(DenyCatalog, 404, err.Error()), nil
		}
		if requestedName == "" {
			requestedName = modelEntry.Name
		}
	}

	promptTokens := estimatePromptTokens(req.Route, req.Body)

	rate, err := c.limiter.Allow(ctx, agent, promptTokens)
	if err != nil {
		return nil, err
	}
	if !rate.Allowed {
		res := deny(DenyRate, 429, "rate limit exceeded")
		res.RetryAfterSec = rate.RetryAfterSec
		res.ExecutionID = execID
		return res, nil
	}

	stream, _ := req.Body["stream"].(bool)
	c.mu.RLock()
	pol := c.policy
	c.mu.RUnlock()
	decision := pol.Evaluate(policy.Input{
		Agent:       agent,
		Route:       req.Route,
		Model:       requestedName,
		ModelEntry:  modelEntry,
		Body:        req.Body,
		Stream:      stream,
		InputTokens: promptTokens,
	})
	if !decision.Allow {
		if _, err := c.store.AppendEvent(ctx, execID, agent.ID, models.EventDenyPolicy, map[string]any{
			"reason":        decision.Reason,
			"decision_hash": decision.DecisionHash,
			"trace":         decision.Trace,
		}); err != nil {
			return nil, err
		}
		res := deny(DenyPolicy, 403, decision.Reason)
		res.ExecutionID = execID
		res.Decision = decision
		return res, nil
	}
	policy.ApplyPatch(req.Body, decision.Patch)
	stream, _ = req.Body["stream"].(bool)

	var estCost int64
	var provider, modelName string
	if toolEntry != nil {
		estCost = toolEntry.CostMicro
		provider = "tool"
		modelName = toolEntry.Name
	} else {
		maxOut := maxOutputTokens(req.Body, modelEntry)
		estCost = promptTokens*modelEntry.InputMicro + maxOut*modelEntry.OutputMicro
		provider = modelEntry.Provider
		modelName = modelEntry.Name
	}

	rr, err := c.store.Reserve(ctx, store.ReserveParams{
		ExecutionID:    execID,
		AgentID:        agent.ID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    hash,
		Route:          req.Route,
		Model:          modelName,
		Provider:       provider,
		DecisionHash:   decision.DecisionHash,
		EstCostMicro:   estCost,
		TTL:            c.reserveTTL,
	})
	switch {
	case errors.Is(err, store.ErrAgentNotReady):
		return deny(DenyLifecycle, 423, fmt.Sprintf("agent %s is not READY", agent.Name)), nil
	case errors.Is(err, store.ErrConflict):
		return deny(DenyConflict, 409, "idempotency key reused with a different request body"), nil
	case errors.Is(err, store.ErrStoreOverloaded):
		return deny(DenyOverload, 503, "store overloaded, retry later"), nil
	case err != nil:
		return nil, err
	}

	switch rr.Outcome {
	case store.OutcomeBudgetDenied:
		res := deny(DenyBudget, 402, "Insufficient budget")
		res.ExecutionID = execID
		return res, nil
	case store.OutcomeIdempotentHit:
		return &Result{Outcome: IdempotentHit, ExecutionID: execID, RequestHash: hash, Cached: rr.Execution}, nil
	case store.OutcomeInFlight:
		return c.awaitTerminal(ctx, execID, hash)
	}

	return &Result{
		Outcome:        Admitted,
		ExecutionID:    execID,
		RequestHash:    hash,
		AgentID:        agent.ID,
		Route:          req.Route,
		Model:          modelEntry,
		Provider:       providerEntry,
		Tool:           toolEntry,
		RequestedModel: requestedName,
		Stream:         stream,
		Body:           req.Body,
		ReserveMicro:   estCost,
		PromptTokens:   promptTokens,
		Decision:       decision,
	}, nil
}

// awaitTerminal polls for a racing execution's terminal state, bounded by
// the configured wait. Still running after that → 409 in-flight.
func (c *Controller) awaitTerminal(ctx context.Context, execID, hash string) (*Result, error) {
	deadline := time.NewTimer(c.inflightWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		exec, err := c.store.LookupExecution(ctx, execID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if exec != nil && exec.State.Terminal() {
			return &Result{Outcome: IdempotentHit, ExecutionID: execID, RequestHash: hash, Cached: exec}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return &Result{
				Outcome:     InFlight,
				ExecutionID: execID,
				RequestHash: hash,
				StatusCode:  409,
				Detail:      "an identical request is already in flight",
			}, nil
		case <-tick.C:
		}
	}
}

func (c *Controller) count(res *Result) {
	switch res.Outcome {
	case Admitted:
		c.metrics.Admissions.WithLabelValues("admitted").Inc()
	case Denied:
		c.metrics.Admissions.WithLabelValues("denied").Inc()
		c.metrics.Denials.WithLabelValues(res.DenyKind).Inc()
	case IdempotentHit:
		c.metrics.Admissions.WithLabelValues("idempotent_hit").Inc()
	case InFlight:
		c.metrics.Admissions.WithLabelValues("in_flight").Inc()
	}
}

func deny(kind string, status int, detail string) *Result {
	return &Result{Outcome: Denied, DenyKind: kind, StatusCode: status, Detail: detail}
}

// maxOutputTokens picks the output bound used for the cost estimate:
// explicit max_tokens (or max_output_tokens), else the catalog ceiling.
func maxOutputTokens(body map[string]any, entry *models.ModelEntry) int64 {
	for _, key := range []string{"max_tokens", "max_output_tokens"} {
		if v, ok := body[key].(float64); ok && v > 0 {
			return int64(v)
		}
	}
	if entry.MaxTokens > 0 {
		return entry.MaxTokens
	}
	return 1024
}

// estimatePromptTokens approximates prompt size at one token per four
// characters of content, plus a small per-message envelope.
func estimatePromptTokens(route models.Route, body map[string]any) int64 {
	var chars int64
	var envelope int64

	switch route {
	case models.RouteChat:
		msgs, _ := body["messages"].([]any)
		for _, m := range msgs {
			mm, _ := m.(map[string]any)
			chars += contentChars(mm["content"])
			envelope += 4
		}
	case models.RouteResponses:
		chars += contentChars(body["input"])
		if s, ok := body["instructions"].(string); ok {
			chars += int64(len(s))
		}
	case models.RouteEmbeddings:
		chars += contentChars(body["input"])
	case models.RouteTools:
		if args, ok := body["arguments"].(map[string]any); ok {
			for _, v := range args {
				chars += contentChars(v)
			}
		}
	}
	if chars == 0 {
		return envelope + 1
	}
	return chars/4 + envelope + 1
}

func contentChars(v any) int64 {
	switch c := v.(type) {
	case string:
		return int64(len(c))
	case []any:
		var n int64
		for _, item := range c {
			switch it := item.(type) {
			case string:
				n += int64(len(it))
			case map[string]any:
				if text, ok := it["text"].(string); ok {
					n += int64(len(text))
				}
			}
		}
		return n
	}
	return 0
}
