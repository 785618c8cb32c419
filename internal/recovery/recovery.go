// Package recovery resolves executions stranded by a crash or an expired
// reservation. The sweep runs once before the listener binds, so no request
// is admitted against budget held by a dead execution, and then on a ticker.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// Sweeper scans for non-terminal executions and forces them terminal.
type Sweeper struct {
	store   *store.Store
	metrics *metrics.Metrics
	clock   store.Clock
}

// New builds a Sweeper over the shared store.
func New(s *store.Store, m *metrics.Metrics) *Sweeper {
	return &Sweeper{store: s, metrics: m, clock: s.Clock()}
}

// Result counts what one sweep resolved.
type Result struct {
	Failed   int
	Released int
}

// Sweep resolves every stranded execution:
//
//   - RESERVING or DISPATCHED rows are orphans of a dead process; the
//     outcome of any provider call is unknowable, so they FAIL with a full
//     refund rather than guess a commit.
//   - RESERVED rows past their reservation expiry are RELEASED.
//
// RESERVED rows still inside their TTL are left alone; a live dispatcher
// may be about to pick them up.
func (sw *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	pending, err := sw.store.NonTerminalExecutions(ctx)
	if err != nil {
		return nil, err
	}

	var res Result
	now := sw.clock.Now()
	for _, nt := range pending {
		exec := nt.Execution
		switch exec.State {
		case models.StateReserving, models.StateDispatched:
			if err := sw.store.Fail(ctx, exec.ID, 500, "process_restart"); err != nil {
				return nil, err
			}
			res.Failed++
			sw.metrics.RecoveredExecs.WithLabelValues("failed").Inc()
			log.Warn().Str("execution_id", exec.ID).Str("was", string(exec.State)).Msg("stranded execution failed by recovery")
		case models.StateReserved:
			if nt.ExpiresAt == nil || now.After(*nt.ExpiresAt) {
				if err := sw.store.Release(ctx, exec.ID, "expired", 408); err != nil {
					return nil, err
				}
				res.Released++
				sw.metrics.RecoveredExecs.WithLabelValues("released").Inc()
				log.Warn().Str("execution_id", exec.ID).Msg("expired reservation released by recovery")
			}
		}
	}
	if res.Failed > 0 || res.Released > 0 {
		log.Info().Int("failed", res.Failed).Int("released", res.Released).Msg("recovery sweep resolved stranded executions")
	}
	return &res, nil
}

// Run executes the periodic sweep until ctx is done. interval should be
// half the reservation TTL so an expired ticket is held at most one extra
// half-TTL.
func (sw *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}
