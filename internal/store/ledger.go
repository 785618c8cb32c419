package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/canonical"
	"github.com/Auro-rium/aex/pkg/models"
)

// appendEvent writes one row to the hash-chained event log. It must run
// inside an existing transaction: the chain head row is read and replaced
// under the same lock that serializes every other append in the scope.
func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, scope, executionID, agentID string, typ models.EventType, payload any) (int64, error) {
	payloadJSON, err := canonical.JSON(payload)
	if err != nil {
		return 0, fmt.Errorf("event payload: %w", err)
	}

	headQuery := `SELECT seq, event_hash FROM chain_heads WHERE chain_scope = ?`
	if s.dialect == dialectPostgres {
		headQuery += ` FOR UPDATE`
	}

	var seq int64
	prev := models.GenesisHash
	headFound := true
	err = tx.QueryRowContext(ctx, s.rebind(headQuery), scope).Scan(&seq, &prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		headFound = false
		seq = 0
		prev = models.GenesisHash
	case err != nil:
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	seq++

	eventHash := canonical.HashHex(
		[]byte(prev),
		payloadJSON,
		[]byte(typ),
		[]byte(strconv.FormatInt(seq, 10)),
	)

	now := s.now().Format(timeFormat)
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO event_log (chain_scope, seq, execution_id, agent_id, event_type, payload, prev_hash, event_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		scope, seq, nullable(executionID), nullable(agentID), string(typ), string(payloadJSON), prev, eventHash, now)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	if headFound {
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE chain_heads SET seq = ?, event_hash = ? WHERE chain_scope = ?`),
			seq, eventHash, scope)
	} else {
		// Non-default scope appending for the first time; the default
		// scope's head is seeded at migration.
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO chain_heads (chain_scope, seq, event_hash) VALUES (?, ?, ?)`),
			scope, seq, eventHash)
	}
	if err != nil {
		return 0, fmt.Errorf("advance chain head: %w", err)
	}
	return seq, nil
}

// AppendEvent records a standalone ledger event in its own transaction.
// Used for denials that never reach the reserve path (rate, policy) and
// for administrative actions.
func (s *Store) AppendEvent(ctx context.Context, executionID, agentID string, typ models.EventType, payload any) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = s.appendEvent(ctx, tx, models.DefaultChainScope, executionID, agentID, typ, payload)
		return err
	})
	return seq, err
}

// ── Reserve ──────────────────────────────────────────────────

// ReserveParams carries everything the reserve transaction needs.
type ReserveParams struct {
	ExecutionID    string
	AgentID        string
	IdempotencyKey string
	RequestHash    string
	Route          models.Route
	Model          string
	Provider       string
	DecisionHash   string
	EstCostMicro   int64
	TTL            time.Duration
}

// ReserveOutcome tags the result of a reserve attempt.
type ReserveOutcome int

const (
	OutcomeReserved ReserveOutcome = iota
	OutcomeBudgetDenied
	OutcomeIdempotentHit
	OutcomeInFlight
)

// ReserveResult is the tagged union returned by Reserve. Execution is set
// for IdempotentHit (the terminal row, response cache included) and for
// BudgetDenied (the DENIED row).
type ReserveResult struct {
	Outcome        ReserveOutcome
	Execution      *models.Execution
	RemainingMicro int64
}

// Reserve performs the atomic admission transition. Exactly one outcome
// is produced per call:
//
//   - OutcomeReserved: RESERVING row written, budget passed, RESERVED row
//     and reservation ticket created, reserve event appended.
//   - OutcomeBudgetDenied: DENIED row written, deny.budget event appended.
//   - OutcomeIdempotentHit: an execution with this id already reached a
//     terminal state; its cached response is returned.
//   - OutcomeInFlight: a non-terminal execution with this id exists.
//
// A same-id row whose request hash differs returns ErrConflict.
func (s *Store) Reserve(ctx context.Context, p ReserveParams) (*ReserveResult, error) {
	var res *ReserveResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.reserveTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) reserveTx(ctx context.Context, tx *sql.Tx, p ReserveParams) (*ReserveResult, error) {
	agentQuery := `SELECT budget_micro, spent_micro, reserved_micro, lifecycle_state FROM agents WHERE agent_id = ?`
	if s.dialect == dialectPostgres {
		agentQuery += ` FOR UPDATE`
	}
	var budget, spent, reserved int64
	var lifecycle string
	err := tx.QueryRowContext(ctx, s.rebind(agentQuery), p.AgentID).Scan(&budget, &spent, &reserved, &lifecycle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}
	if models.LifecycleState(lifecycle) != models.LifecycleReady {
		return nil, ErrAgentNotReady
	}

	existing, err := s.lookupExecutionTx(ctx, tx, p.ExecutionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.RequestHash != p.RequestHash {
			return nil, ErrConflict
		}
		if existing.State.Terminal() {
			return &ReserveResult{Outcome: OutcomeIdempotentHit, Execution: existing}, nil
		}
		return &ReserveResult{Outcome: OutcomeInFlight, Execution: existing}, nil
	}

	now := s.now()
	nowText := now.Format(timeFormat)
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (execution_id, agent_id, idempotency_key, request_hash, route, model, provider, state, decision_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ExecutionID, p.AgentID, nullable(p.IdempotencyKey), p.RequestHash, string(p.Route),
		p.Model, p.Provider, string(models.StateReserving), p.DecisionHash, nowText, nowText)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}

	remaining := budget - spent - reserved
	if p.EstCostMicro > remaining {
		denial := map[string]any{
			"detail":          "Insufficient budget",
			"estimated_micro": p.EstCostMicro,
			"remaining_micro": remaining,
		}
		body, _ := json.Marshal(denial)
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE executions
			SET state = ?, status_code = 402, response_cache = ?, updated_at = ?, terminal_at = ?
			WHERE execution_id = ?`),
			string(models.StateDenied), string(body), nowText, nowText, p.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("deny execution: %w", err)
		}
		if _, err := s.appendEvent(ctx, tx, models.DefaultChainScope, p.ExecutionID, p.AgentID, models.EventDenyBudget, denial); err != nil {
			return nil, err
		}
		denied, err := s.lookupExecutionTx(ctx, tx, p.ExecutionID)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{Outcome: OutcomeBudgetDenied, Execution: denied, RemainingMicro: remaining}, nil
	}

	expires := now.Add(p.TTL)
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO reservations (execution_id, agent_id, reserved_micro, state, expires_at, version)
		VALUES (?, ?, ?, ?, ?, 1)`),
		p.ExecutionID, p.AgentID, p.EstCostMicro, string(models.StateReserved), expires.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE agents SET reserved_micro = reserved_micro + ? WHERE agent_id = ?`),
		p.EstCostMicro, p.AgentID)
	if err != nil {
		return nil, fmt.Errorf("reserve budget: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE executions SET state = ?, reserve_micro = ?, updated_at = ? WHERE execution_id = ?`),
		string(models.StateReserved), p.EstCostMicro, nowText, p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("mark reserved: %w", err)
	}

	payload := map[string]any{
		"estimated_micro": p.EstCostMicro,
		"route":           string(p.Route),
		"model":           p.Model,
		"expires_at":      expires.Format(timeFormat),
	}
	if _, err := s.appendEvent(ctx, tx, models.DefaultChainScope, p.ExecutionID, p.AgentID, models.EventReserve, payload); err != nil {
		return nil, err
	}
	return &ReserveResult{Outcome: OutcomeReserved, RemainingMicro: remaining - p.EstCostMicro}, nil
}

// ── Dispatch / settle ────────────────────────────────────────

// MarkDispatched advances RESERVED → DISPATCHED. Any other starting state
// returns ErrInvalidState (already-DISPATCHED included: the dispatcher owns
// exactly one transition).
func (s *Store) MarkDispatched(ctx context.Context, executionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := s.lookupExecutionTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.State != models.StateReserved {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, executionID, exec.State)
		}
		now := s.now().Format(timeFormat)
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE executions SET state = ?, updated_at = ? WHERE execution_id = ?`),
			string(models.StateDispatched), now, executionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE reservations SET state = ?, version = version + 1 WHERE execution_id = ? AND state = ?`),
			string(models.StateDispatched), executionID, string(models.StateReserved)); err != nil {
			return err
		}
		_, err = s.appendEvent(ctx, tx, models.DefaultChainScope, executionID, exec.AgentID, models.EventDispatch,
			map[string]any{"provider": exec.Provider, "model": exec.Model})
		return err
	})
}

// CommitParams settles an execution at its actual cost.
type CommitParams struct {
	ExecutionID  string
	ActualMicro  int64
	Usage        models.Usage
	ResponseBody []byte
	StatusCode   int
	// Estimate marks a settlement whose usage was derived from relayed
	// frames rather than a provider usage block.
	Estimate bool
}

// Commit advances DISPATCHED → COMMITTED exactly once: the reservation row
// is CASed, the agent counters move reserve → spend, the response body is
// cached for idempotent replay, and a commit event lands on the chain.
// Actual cost above the reserve is clamped to the reserve; the overage is
// recorded on the event.
func (s *Store) Commit(ctx context.Context, p CommitParams) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := s.lookupExecutionTx(ctx, tx, p.ExecutionID)
		if err != nil {
			return err
		}
		if exec.State == models.StateCommitted {
			return nil // settled by a racing path; CAS below would no-op anyway
		}
		if exec.State != models.StateDispatched {
			return fmt.Errorf("%w: commit from %s", ErrInvalidState, exec.State)
		}

		actual := p.ActualMicro
		clamped := false
		if actual > exec.ReserveMicro {
			log.Warn().
				Str("execution_id", p.ExecutionID).
				Int64("actual_micro", actual).
				Int64("reserve_micro", exec.ReserveMicro).
				Msg("actual cost exceeds reserve; clamping")
			actual = exec.ReserveMicro
			clamped = true
		}

		now := s.now().Format(timeFormat)
		cas, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE reservations SET state = ?, version = version + 1
			WHERE execution_id = ? AND state = ?`),
			string(models.StateCommitted), p.ExecutionID, string(models.StateDispatched))
		if err != nil {
			return err
		}
		if n, _ := cas.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: reservation CAS refused duplicate settlement", ErrInvalidState)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE agents
			SET reserved_micro = reserved_micro - ?,
			    spent_micro = spent_micro + ?,
			    tokens_prompt = tokens_prompt + ?,
			    tokens_completion = tokens_completion + ?,
			    last_activity_at = ?
			WHERE agent_id = ?`),
			exec.ReserveMicro, actual, p.Usage.PromptTokens, p.Usage.CompletionTokens, now, exec.AgentID)
		if err != nil {
			return fmt.Errorf("settle agent counters: %w", err)
		}

		release := exec.ReserveMicro - actual
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE executions
			SET state = ?, commit_micro = ?, release_micro = ?, response_cache = ?, status_code = ?,
			    updated_at = ?, terminal_at = ?
			WHERE execution_id = ?`),
			string(models.StateCommitted), actual, release, string(p.ResponseBody), p.StatusCode,
			now, now, p.ExecutionID)
		if err != nil {
			return fmt.Errorf("commit execution: %w", err)
		}

		payload := map[string]any{
			"actual_micro":      actual,
			"reserve_micro":     exec.ReserveMicro,
			"prompt_tokens":     p.Usage.PromptTokens,
			"completion_tokens": p.Usage.CompletionTokens,
			"model":             exec.Model,
			"clamped":           clamped,
			"estimate":          p.Estimate,
		}
		_, err = s.appendEvent(ctx, tx, models.DefaultChainScope, p.ExecutionID, exec.AgentID, models.EventCommit, payload)
		return err
	})
}

// Release returns the full reserve to the agent without a commit. Legal
// from RESERVING, RESERVED, and DISPATCHED; repeated release is a no-op.
func (s *Store) Release(ctx context.Context, executionID, reason string, statusCode int) error {
	return s.terminate(ctx, executionID, models.StateReleased, models.EventRelease, reason, statusCode)
}

// Fail transitions to FAILED and refunds the full reserve. Legal from the
// same states as Release; repeated failure is a no-op.
func (s *Store) Fail(ctx context.Context, executionID string, statusCode int, detail string) error {
	return s.terminate(ctx, executionID, models.StateFailed, models.EventFail, detail, statusCode)
}

func (s *Store) terminate(ctx context.Context, executionID string, target models.ExecState, eventType models.EventType, reason string, statusCode int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := s.lookupExecutionTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.State == target {
			return nil
		}
		switch exec.State {
		case models.StateReserving, models.StateReserved, models.StateDispatched:
		default:
			return fmt.Errorf("%w: %s from %s", ErrInvalidState, target, exec.State)
		}

		now := s.now().Format(timeFormat)
		if exec.ReserveMicro > 0 {
			cas, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE reservations SET state = ?, version = version + 1
				WHERE execution_id = ? AND state IN (?, ?)`),
				string(target), executionID, string(models.StateReserved), string(models.StateDispatched))
			if err != nil {
				return err
			}
			if n, _ := cas.RowsAffected(); n > 0 {
				if _, err := tx.ExecContext(ctx, s.rebind(
					`UPDATE agents SET reserved_micro = reserved_micro - ? WHERE agent_id = ?`),
					exec.ReserveMicro, exec.AgentID); err != nil {
					return fmt.Errorf("refund reserve: %w", err)
				}
			}
		}

		body, _ := json.Marshal(map[string]any{"detail": reason})
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE executions
			SET state = ?, release_micro = ?, status_code = ?, response_cache = ?, updated_at = ?, terminal_at = ?
			WHERE execution_id = ?`),
			string(target), exec.ReserveMicro, statusCode, string(body), now, now, executionID)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"reason":          reason,
			"estimated_micro": exec.ReserveMicro,
			"status_code":     statusCode,
		}
		_, err = s.appendEvent(ctx, tx, models.DefaultChainScope, executionID, exec.AgentID, eventType, payload)
		return err
	})
}

// ── Lookups ──────────────────────────────────────────────────

const executionColumns = `execution_id, agent_id, idempotency_key, request_hash, route, model, provider, state,
	reserve_micro, commit_micro, release_micro, decision_hash, response_cache, status_code,
	created_at, updated_at, terminal_at`

// LookupExecution returns the execution row, ErrNotFound when absent.
func (s *Store) LookupExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`), executionID)
	return scanExecution(row)
}

func (s *Store) lookupExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) (*models.Execution, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`), executionID)
	return scanExecution(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var e models.Execution
	var idem, responseCache, terminalAt sql.NullString
	var statusCode sql.NullInt64
	var route, state, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.AgentID, &idem, &e.RequestHash, &route, &e.Model, &e.Provider, &state,
		&e.ReserveMicro, &e.CommitMicro, &e.ReleaseMicro, &e.DecisionHash, &responseCache, &statusCode,
		&createdAt, &updatedAt, &terminalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Route = models.Route(route)
	e.State = models.ExecState(state)
	e.IdempotencyKey = idem.String
	if responseCache.Valid {
		e.ResponseCache = json.RawMessage(responseCache.String)
	}
	e.StatusCode = int(statusCode.Int64)
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if terminalAt.Valid {
		if ts, err := time.Parse(timeFormat, terminalAt.String); err == nil {
			e.TerminalAt = &ts
		}
	}
	return &e, nil
}

// NonTerminal returns executions still in flight, with their reservation
// expiry when one exists. The recovery sweep consumes this.
type NonTerminal struct {
	Execution models.Execution
	ExpiresAt *time.Time
}

// NonTerminalExecutions lists rows in RESERVING, RESERVED, or DISPATCHED.
func (s *Store) NonTerminalExecutions(ctx context.Context) ([]NonTerminal, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+qualifiedExecutionColumns+`, r.expires_at
		FROM executions e LEFT JOIN reservations r ON r.execution_id = e.execution_id
		WHERE e.state IN (?, ?, ?)`),
		string(models.StateReserving), string(models.StateReserved), string(models.StateDispatched))
	if err != nil {
		return nil, fmt.Errorf("query non-terminal executions: %w", err)
	}
	defer rows.Close()

	var out []NonTerminal
	for rows.Next() {
		var e models.Execution
		var idem, responseCache, terminalAt, expires sql.NullString
		var statusCode sql.NullInt64
		var route, state, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &idem, &e.RequestHash, &route, &e.Model, &e.Provider, &state,
			&e.ReserveMicro, &e.CommitMicro, &e.ReleaseMicro, &e.DecisionHash, &responseCache, &statusCode,
			&createdAt, &updatedAt, &terminalAt, &expires); err != nil {
			return nil, fmt.Errorf("scan non-terminal execution: %w", err)
		}
		e.Route = models.Route(route)
		e.State = models.ExecState(state)
		e.IdempotencyKey = idem.String
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		nt := NonTerminal{Execution: e}
		if expires.Valid {
			if ts, err := time.Parse(timeFormat, expires.String); err == nil {
				nt.ExpiresAt = &ts
			}
		}
		out = append(out, nt)
	}
	return out, rows.Err()
}

const qualifiedExecutionColumns = `e.execution_id, e.agent_id, e.idempotency_key, e.request_hash, e.route, e.model, e.provider, e.state,
	e.reserve_micro, e.commit_micro, e.release_micro, e.decision_hash, e.response_cache, e.status_code,
	e.created_at, e.updated_at, e.terminal_at`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
