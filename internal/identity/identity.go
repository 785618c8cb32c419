// Package identity resolves bearer tokens to agent principals.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// minTokenHexLen is the entropy floor: 32 hex chars = 128 bits.
const minTokenHexLen = 32

// Authentication failures, all mapped to 401 by the handlers.
var (
	ErrMissingToken = errors.New("identity: missing bearer token")
	ErrWeakToken    = errors.New("identity: token below entropy floor")
	ErrInvalidToken = errors.New("identity: unknown token")
	ErrExpiredToken = errors.New("identity: token expired")
)

// Principal is the authenticated caller handed to admission.
type Principal struct {
	Agent *models.Agent
}

// Authenticator validates bearer tokens against the agent table.
type Authenticator struct {
	store *store.Store
	clock store.Clock
}

// New creates an Authenticator backed by the given store.
func New(s *store.Store) *Authenticator {
	return &Authenticator{store: s, clock: s.Clock()}
}

// HashToken returns the 64-hex SHA-256 of a raw token, the only form
// stored for agents created after token hashing landed.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FromRequest extracts and validates the Authorization header.
func (a *Authenticator) FromRequest(ctx context.Context, r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrMissingToken
	}
	return a.Authenticate(ctx, strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// Authenticate resolves a raw token:
//
//  1. entropy floor check (reject short tokens outright)
//  2. hash lookup (primary path)
//  3. legacy raw-token lookup (deprecated, logged)
//  4. TTL check
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, ErrMissingToken
	}
	if len(rawToken) < minTokenHexLen {
		return nil, fmt.Errorf("%w: %d chars", ErrWeakToken, len(rawToken))
	}

	agent, err := a.store.GetAgentByTokenHash(ctx, HashToken(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		agent, err = a.store.GetAgentByRawToken(ctx, rawToken)
		if err == nil {
			log.Warn().Str("agent", agent.Name).Msg("agent authenticated via legacy raw token; rotate it")
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}

	if agent.TokenExpiresAt != nil && a.clock.Now().After(*agent.TokenExpiresAt) {
		return nil, ErrExpiredToken
	}
	return &Principal{Agent: agent}, nil
}

// RequireExecutionScope rejects read-only principals on execution routes.
func (p *Principal) RequireExecutionScope() error {
	if p.Agent.Scope != models.ScopeExecution {
		return fmt.Errorf("agent %s has scope %q, execution denied", p.Agent.Name, p.Agent.Scope)
	}
	return nil
}
