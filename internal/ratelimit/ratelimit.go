// Package ratelimit enforces per-agent RPM and TPM over durable sliding
// windows. State lives in the store so a restart cannot reset a window.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// Limiter checks and records request/token consumption per agent.
type Limiter struct {
	store *store.Store
}

// New creates a Limiter over the shared store.
func New(s *store.Store) *Limiter {
	return &Limiter{store: s}
}

// Allow checks the agent's window and records the request when admitted.
// A denial is also recorded on the ledger as deny.rate.
func (l *Limiter) Allow(ctx context.Context, agent *models.Agent, estTokens int64) (*store.RateDecision, error) {
	dec, err := l.store.TakeRateWindow(ctx, agent.ID, estTokens, agent.RPMLimit, agent.TPMLimit)
	if err != nil {
		return nil, fmt.Errorf("rate window: %w", err)
	}
	if !dec.Allowed {
		_, err = l.store.AppendEvent(ctx, "", agent.ID, models.EventDenyRate, map[string]any{
			"requests_in_window": dec.Requests,
			"tokens_in_window":   dec.Tokens,
			"rpm_limit":          agent.RPMLimit,
			"tpm_limit":          agent.TPMLimit,
			"retry_after_sec":    dec.RetryAfterSec,
		})
		if err != nil {
			return nil, fmt.Errorf("record rate denial: %w", err)
		}
	}
	return dec, nil
}

// Settle records actual token usage after commit so TPM tracks real
// consumption instead of the admission estimate.
func (l *Limiter) Settle(ctx context.Context, agentID string, tokens int64) error {
	return l.store.RecordTokens(ctx, agentID, tokens)
}
