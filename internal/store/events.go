package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Auro-rium/aex/pkg/models"
)

const eventColumns = `chain_scope, seq, execution_id, agent_id, event_type, payload, prev_hash, event_hash, recorded_at`

// EventsByScope walks the event log for one chain scope in ascending seq
// order. The replay verifier consumes this.
func (s *Store) EventsByScope(ctx context.Context, scope string) ([]models.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM event_log WHERE chain_scope = ? ORDER BY seq ASC`), scope)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ChainScopes lists the distinct chain scopes present in the log.
func (s *Store) ChainScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_scope FROM event_log ORDER BY chain_scope`)
	if err != nil {
		return nil, fmt.Errorf("query chain scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// RecentEvents returns the newest events first, for the admin activity
// feed.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM event_log ORDER BY recorded_at DESC, seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]models.EventRecord, error) {
	var out []models.EventRecord
	for rows.Next() {
		var e models.EventRecord
		var execID, agentID sql.NullString
		var typ, payload, recordedAt string
		if err := rows.Scan(&e.ChainScope, &e.Seq, &execID, &agentID, &typ, &payload, &e.PrevHash, &e.EventHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ExecutionID = execID.String
		e.AgentID = agentID.String
		e.Type = models.EventType(typ)
		e.Payload = json.RawMessage(payload)
		e.RecordedAt, _ = time.Parse(timeFormat, recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CorruptEventHash overwrites one stored event hash in place. Test-only
// helper behind the audit seed scenarios; the chain verifier must flag
// exactly this seq afterwards.
func (s *Store) CorruptEventHash(ctx context.Context, scope string, seq int64, bogusHash string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE event_log SET event_hash = ? WHERE chain_scope = ? AND seq = ?`), bogusHash, scope, seq)
	return err
}

// DebugSetSpent edits an agent's spent counter behind the ledger's back.
// Test-only helper for the balance reconciliation scenarios.
func (s *Store) DebugSetSpent(ctx context.Context, agentID string, spentMicro int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET spent_micro = ? WHERE agent_id = ?`), spentMicro, agentID)
	return err
}
