// Package replay verifies the ledger: every chain scope is re-hashed link
// by link, and agent balances are rebuilt from events and compared against
// the stored counters. A clean replay proves the database was not edited
// behind the gateway's back.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/canonical"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// ChainBreak pinpoints the first bad link in a scope.
type ChainBreak struct {
	Scope  string `json:"scope"`
	Seq    int64  `json:"seq"`
	Detail string `json:"detail"`
}

// BalanceDrift reports an agent whose stored counters disagree with the
// ledger-derived values.
type BalanceDrift struct {
	AgentID        string `json:"agent_id"`
	StoredSpent    int64  `json:"stored_spent_micro"`
	DerivedSpent   int64  `json:"derived_spent_micro"`
	StoredReserved int64  `json:"stored_reserved_micro"`
	DerivedReserve int64  `json:"derived_reserved_micro"`
}

// Report is the outcome of one full verification pass.
type Report struct {
	Scopes        int            `json:"scopes"`
	Events        int64          `json:"events"`
	Breaks        []ChainBreak   `json:"breaks,omitempty"`
	Drifts        []BalanceDrift `json:"drifts,omitempty"`
	AgentsChecked int            `json:"agents_checked"`
}

// OK reports whether the ledger verified clean.
func (r *Report) OK() bool {
	return len(r.Breaks) == 0 && len(r.Drifts) == 0
}

// Verifier replays the event log against the store.
type Verifier struct {
	store *store.Store
}

// New builds a Verifier.
func New(s *store.Store) *Verifier {
	return &Verifier{store: s}
}

// Verify walks every chain scope and reconciles agent balances. It reads
// committed state only; running it against a live gateway is safe.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}

	scopes, err := v.store.ChainScopes(ctx)
	if err != nil {
		return nil, err
	}
	report.Scopes = len(scopes)

	spent := map[string]int64{}
	reserved := map[string]int64{}

	for _, scope := range scopes {
		events, err := v.store.EventsByScope(ctx, scope)
		if err != nil {
			return nil, err
		}
		report.Events += int64(len(events))

		prev := models.GenesisHash
		var lastSeq int64
		for _, e := range events {
			if e.Seq != lastSeq+1 {
				report.Breaks = append(report.Breaks, ChainBreak{
					Scope: scope, Seq: e.Seq,
					Detail: fmt.Sprintf("sequence gap: %d follows %d", e.Seq, lastSeq),
				})
				break
			}
			if e.PrevHash != prev {
				report.Breaks = append(report.Breaks, ChainBreak{
					Scope: scope, Seq: e.Seq,
					Detail: "prev_hash does not match the preceding event",
				})
				break
			}
			payload, err := canonical.JSON(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("canonicalize payload at %s/%d: %w", scope, e.Seq, err)
			}
			want := canonical.HashHex(
				[]byte(prev),
				payload,
				[]byte(e.Type),
				[]byte(strconv.FormatInt(e.Seq, 10)),
			)
			if e.EventHash != want {
				report.Breaks = append(report.Breaks, ChainBreak{
					Scope: scope, Seq: e.Seq,
					Detail: "event_hash does not match its recomputation",
				})
				break
			}
			prev = e.EventHash
			lastSeq = e.Seq

			applyBalance(e, spent, reserved)
		}
	}

	agents, err := v.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	report.AgentsChecked = len(agents)
	for _, a := range agents {
		if a.SpentMicro != spent[a.ID] || a.ReservedMicro != reserved[a.ID] {
			report.Drifts = append(report.Drifts, BalanceDrift{
				AgentID:        a.ID,
				StoredSpent:    a.SpentMicro,
				DerivedSpent:   spent[a.ID],
				StoredReserved: a.ReservedMicro,
				DerivedReserve: reserved[a.ID],
			})
		}
	}

	if report.OK() {
		log.Info().Int("scopes", report.Scopes).Int64("events", report.Events).Msg("ledger replay verified clean")
	} else {
		log.Error().Int("breaks", len(report.Breaks)).Int("drifts", len(report.Drifts)).Msg("ledger replay found damage")
	}
	return report, nil
}

// applyBalance folds one event into the derived per-agent balances.
// Reserves add to held budget; commits move it to spend (at the actual
// amount) and return the remainder; releases and failures return it all.
func applyBalance(e models.EventRecord, spent, reserved map[string]int64) {
	if e.AgentID == "" {
		return
	}
	var p struct {
		EstimatedMicro int64 `json:"estimated_micro"`
		ActualMicro    int64 `json:"actual_micro"`
		ReserveMicro   int64 `json:"reserve_micro"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return
	}
	switch e.Type {
	case models.EventReserve:
		reserved[e.AgentID] += p.EstimatedMicro
	case models.EventCommit:
		reserved[e.AgentID] -= p.ReserveMicro
		spent[e.AgentID] += p.ActualMicro
	case models.EventRelease, models.EventFail:
		reserved[e.AgentID] -= p.EstimatedMicro
	}
}
