package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Auro-rium/aex/pkg/models"
)

const agentColumns = `agent_id, name, token_hash, token_expires_at, scope, lifecycle_state,
	budget_micro, spent_micro, reserved_micro, rpm_limit, tpm_limit, capabilities,
	tokens_prompt, tokens_completion, created_at, last_activity_at`

// CreateAgent inserts a new agent account. The caller supplies the token
// hash; raw tokens are never stored for new agents.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Lifecycle == "" {
		a.Lifecycle = models.LifecycleReady
	}
	if a.Scope == "" {
		a.Scope = models.ScopeExecution
	}
	var expires any
	if a.TokenExpiresAt != nil {
		expires = a.TokenExpiresAt.UTC().Format(timeFormat)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (agent_id, name, token_hash, token_expires_at, scope, lifecycle_state,
			budget_micro, rpm_limit, tpm_limit, capabilities, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Name, a.TokenHash, expires, string(a.Scope), string(a.Lifecycle),
		a.BudgetMicro, a.RPMLimit, a.TPMLimit, string(caps), a.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`), agentID)
	return scanAgent(row)
}

// GetAgentByName fetches an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE name = ?`), name)
	return scanAgent(row)
}

// GetAgentByTokenHash is the primary authentication lookup.
func (s *Store) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = ?`), tokenHash)
	return scanAgent(row)
}

// GetAgentByRawToken is the deprecated fallback for agents created before
// token hashing. Matches against the legacy raw_token column.
func (s *Store) GetAgentByRawToken(ctx context.Context, rawToken string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE raw_token = ?`), rawToken)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RotateToken replaces the agent token hash, clears any legacy raw token,
// and records the rotation on the ledger.
func (s *Store) RotateToken(ctx context.Context, agentID, newTokenHash string, expiresAt *time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var expires any
		if expiresAt != nil {
			expires = expiresAt.UTC().Format(timeFormat)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE agents SET token_hash = ?, raw_token = NULL, token_expires_at = ? WHERE agent_id = ?`),
			newTokenHash, expires, agentID)
		if err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = s.appendEvent(ctx, tx, models.DefaultChainScope, "", agentID, models.EventTokenRotate,
			map[string]any{"agent_id": agentID})
		return err
	})
}

// TopUpBudget raises (or lowers) an agent's budget ceiling.
func (s *Store) TopUpBudget(ctx context.Context, agentID string, deltaMicro int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET budget_micro = budget_micro + ? WHERE agent_id = ?`), deltaMicro, agentID)
	if err != nil {
		return fmt.Errorf("top up budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLifecycle flips one agent's lifecycle state.
func (s *Store) SetLifecycle(ctx context.Context, agentID string, state models.LifecycleState) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET lifecycle_state = ? WHERE agent_id = ?`), string(state), agentID)
	if err != nil {
		return fmt.Errorf("set lifecycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLifecycleAll flips every agent at once (admin control surface) and
// records the action on the ledger.
func (s *Store) SetLifecycleAll(ctx context.Context, state models.LifecycleState, actor string) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE agents SET lifecycle_state = ?`), string(state))
		if err != nil {
			return fmt.Errorf("set lifecycle all: %w", err)
		}
		affected, _ = res.RowsAffected()
		_, err = s.appendEvent(ctx, tx, models.DefaultChainScope, "", "", models.EventControl,
			map[string]any{"action": string(state), "agents": affected, "actor": actor})
		return err
	})
	return affected, err
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var expires, lastActivity sql.NullString
	var scope, lifecycle, caps, createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.TokenHash, &expires, &scope, &lifecycle,
		&a.BudgetMicro, &a.SpentMicro, &a.ReservedMicro, &a.RPMLimit, &a.TPMLimit, &caps,
		&a.TokensPrompt, &a.TokensCompletion, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Scope = models.TokenScope(scope)
	a.Lifecycle = models.LifecycleState(lifecycle)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if expires.Valid {
		if ts, err := time.Parse(timeFormat, expires.String); err == nil {
			a.TokenExpiresAt = &ts
		}
	}
	if lastActivity.Valid {
		if ts, err := time.Parse(timeFormat, lastActivity.String); err == nil {
			a.LastActivityAt = &ts
		}
	}
	return &a, nil
}
