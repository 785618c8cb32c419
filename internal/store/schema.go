package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Auro-rium/aex/pkg/models"
)

// Schema statements are idempotent and forward-only: every start replays
// them and only missing objects are created. The SQL is written in the
// portable subset both engines accept; timestamps are stored as RFC 3339
// text so the two engines compare and sort them identically.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id          TEXT PRIMARY KEY,
		name              TEXT NOT NULL UNIQUE,
		token_hash        TEXT NOT NULL DEFAULT '',
		raw_token         TEXT,
		token_expires_at  TEXT,
		scope             TEXT NOT NULL DEFAULT 'execution',
		lifecycle_state   TEXT NOT NULL DEFAULT 'READY',
		budget_micro      BIGINT NOT NULL DEFAULT 0 CHECK (budget_micro >= 0),
		spent_micro       BIGINT NOT NULL DEFAULT 0 CHECK (spent_micro >= 0),
		reserved_micro    BIGINT NOT NULL DEFAULT 0 CHECK (reserved_micro >= 0),
		rpm_limit         BIGINT NOT NULL DEFAULT 60,
		tpm_limit         BIGINT NOT NULL DEFAULT 100000,
		capabilities      TEXT NOT NULL DEFAULT '{}',
		tokens_prompt     BIGINT NOT NULL DEFAULT 0,
		tokens_completion BIGINT NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		last_activity_at  TEXT,
		CHECK (spent_micro + reserved_micro <= budget_micro)
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		execution_id    TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL REFERENCES agents(agent_id),
		idempotency_key TEXT,
		request_hash    TEXT NOT NULL,
		route           TEXT NOT NULL,
		model           TEXT NOT NULL DEFAULT '',
		provider        TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL,
		reserve_micro   BIGINT NOT NULL DEFAULT 0,
		commit_micro    BIGINT NOT NULL DEFAULT 0,
		release_micro   BIGINT NOT NULL DEFAULT 0,
		decision_hash   TEXT NOT NULL DEFAULT '',
		response_cache  TEXT,
		status_code     INTEGER,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		terminal_at     TEXT,
		CHECK (commit_micro <= reserve_micro),
		CHECK (release_micro <= reserve_micro - commit_micro)
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_agent_idem
		ON executions (agent_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS idx_executions_state
		ON executions (state)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		execution_id   TEXT PRIMARY KEY REFERENCES executions(execution_id),
		agent_id       TEXT NOT NULL REFERENCES agents(agent_id),
		reserved_micro BIGINT NOT NULL,
		state          TEXT NOT NULL,
		expires_at     TEXT NOT NULL,
		version        BIGINT NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS event_log (
		chain_scope  TEXT NOT NULL,
		seq          BIGINT NOT NULL,
		execution_id TEXT,
		agent_id     TEXT,
		event_type   TEXT NOT NULL,
		payload      TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		event_hash   TEXT NOT NULL,
		recorded_at  TEXT NOT NULL,
		PRIMARY KEY (chain_scope, seq)
	)`,

	// One head row per chain scope. Appends lock this row so the chain
	// stays linear within a scope; scopes are independent of each other.
	`CREATE TABLE IF NOT EXISTS chain_heads (
		chain_scope TEXT PRIMARY KEY,
		seq         BIGINT NOT NULL,
		event_hash  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS rate_windows (
		agent_id      TEXT NOT NULL,
		bucket_start  BIGINT NOT NULL,
		request_count BIGINT NOT NULL DEFAULT 0,
		token_count   BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, bucket_start)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	// Seed the default scope's head at seq 0 so the first append updates
	// an existing, lockable row instead of racing another writer to
	// insert it.
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chain_heads (chain_scope, seq, event_hash)
		VALUES (?, 0, ?)
		ON CONFLICT (chain_scope) DO NOTHING`),
		models.DefaultChainScope, models.GenesisHash); err != nil {
		return fmt.Errorf("seed chain head: %w", err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
