package replay_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

func newLedger(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "aex.db"), "", store.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedHistory(t *testing.T, s *store.Store) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent := &models.Agent{
		ID:          "ag_replay",
		Name:        "replay-test",
		TokenHash:   strings.Repeat("a", 64),
		BudgetMicro: 100_000,
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	// One committed, one released, one failed execution.
	for i, fate := range []string{"commit", "release", "fail"} {
		execID := "ex_" + string(rune('a'+i))
		_, err := s.Reserve(ctx, store.ReserveParams{
			ExecutionID:  execID,
			AgentID:      agent.ID,
			RequestHash:  "hash-" + execID,
			Route:        models.RouteChat,
			Model:        "m",
			Provider:     "p",
			EstCostMicro: 1_000,
			TTL:          time.Minute,
		})
		require.NoError(t, err)
		switch fate {
		case "commit":
			require.NoError(t, s.MarkDispatched(ctx, execID))
			require.NoError(t, s.Commit(ctx, store.CommitParams{
				ExecutionID: execID, ActualMicro: 700, StatusCode: 200,
				Usage: models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			}))
		case "release":
			require.NoError(t, s.Release(ctx, execID, "expired", 408))
		case "fail":
			require.NoError(t, s.MarkDispatched(ctx, execID))
			require.NoError(t, s.Fail(ctx, execID, 502, "provider down"))
		}
	}
	return agent
}

func TestVerifyCleanLedger(t *testing.T) {
	s := newLedger(t)
	seedHistory(t, s)

	report, err := replay.New(s).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK(), "breaks=%v drifts=%v", report.Breaks, report.Drifts)
	require.Equal(t, 1, report.Scopes)
	require.Greater(t, report.Events, int64(5))
}

func TestVerifyDetectsTamperedEvent(t *testing.T) {
	s := newLedger(t)
	seedHistory(t, s)
	ctx := context.Background()

	require.NoError(t, s.CorruptEventHash(ctx, models.DefaultChainScope, 2, strings.Repeat("f", 64)))

	report, err := replay.New(s).Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Breaks, 1)
	require.Equal(t, int64(2), report.Breaks[0].Seq, "break reported at the tampered seq")
}

func TestVerifyDetectsBalanceDrift(t *testing.T) {
	s := newLedger(t)
	agent := seedHistory(t, s)
	ctx := context.Background()

	// An out-of-band balance edit the ledger never saw.
	require.NoError(t, s.TopUpBudget(ctx, agent.ID, 0)) // control: no-op keeps clean
	report, err := replay.New(s).Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.OK())

	require.NoError(t, s.DebugSetSpent(ctx, agent.ID, 5_000))
	report, err = replay.New(s).Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Drifts, 1)
	require.Equal(t, int64(5_000), report.Drifts[0].StoredSpent)
	require.Equal(t, int64(700), report.Drifts[0].DerivedSpent)
}
