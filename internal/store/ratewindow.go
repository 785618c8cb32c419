package store

import (
	"context"
	"database/sql"
	"fmt"
)

// rateWindowSeconds is the sliding window length for both RPM and TPM.
const rateWindowSeconds = 60

// RateDecision reports the outcome of a check-and-record pass.
type RateDecision struct {
	Allowed       bool
	Requests      int64 // requests in window including this one when allowed
	Tokens        int64
	RetryAfterSec int
}

// TakeRateWindow atomically evicts buckets older than the 60 s window,
// totals the remainder, and either rejects the request or records it.
// Counters are durable rows keyed (agent_id, second), so restarts cannot
// reset an agent's window.
func (s *Store) TakeRateWindow(ctx context.Context, agentID string, estTokens, rpmLimit, tpmLimit int64) (*RateDecision, error) {
	var decision RateDecision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().Unix()
		floor := now - rateWindowSeconds

		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM rate_windows WHERE agent_id = ? AND bucket_start <= ?`), agentID, floor); err != nil {
			return fmt.Errorf("evict rate buckets: %w", err)
		}

		var reqs, toks sql.NullInt64
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT SUM(request_count), SUM(token_count) FROM rate_windows WHERE agent_id = ?`), agentID).
			Scan(&reqs, &toks)
		if err != nil {
			return fmt.Errorf("sum rate window: %w", err)
		}

		decision.Requests = reqs.Int64
		decision.Tokens = toks.Int64

		if (rpmLimit > 0 && decision.Requests+1 > rpmLimit) ||
			(tpmLimit > 0 && decision.Tokens+estTokens > tpmLimit) {
			decision.Allowed = false
			decision.RetryAfterSec = s.oldestBucketAge(ctx, tx, agentID, now)
			return nil
		}

		upsert := `
			INSERT INTO rate_windows (agent_id, bucket_start, request_count, token_count)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (agent_id, bucket_start) DO UPDATE SET
				request_count = rate_windows.request_count + 1,
				token_count = rate_windows.token_count + excluded.token_count`
		if _, err := tx.ExecContext(ctx, s.rebind(upsert), agentID, now, estTokens); err != nil {
			return fmt.Errorf("record rate window: %w", err)
		}
		decision.Allowed = true
		decision.Requests++
		decision.Tokens += estTokens
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// RecordTokens adds settled token counts to the current bucket so TPM
// reflects actual rather than estimated usage after commit.
func (s *Store) RecordTokens(ctx context.Context, agentID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().Unix()
		upsert := `
			INSERT INTO rate_windows (agent_id, bucket_start, request_count, token_count)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (agent_id, bucket_start) DO UPDATE SET
				token_count = rate_windows.token_count + excluded.token_count`
		_, err := tx.ExecContext(ctx, s.rebind(upsert), agentID, now, tokens)
		return err
	})
}

func (s *Store) oldestBucketAge(ctx context.Context, tx *sql.Tx, agentID string, now int64) int {
	var oldest sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT MIN(bucket_start) FROM rate_windows WHERE agent_id = ?`), agentID).Scan(&oldest); err != nil || !oldest.Valid {
		return rateWindowSeconds
	}
	retry := int(oldest.Int64 + rateWindowSeconds - now)
	if retry < 1 {
		retry = 1
	}
	return retry
}
