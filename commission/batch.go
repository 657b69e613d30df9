/*
batch.go - Payout batch (bordereau) assembly

PURPOSE:
  At period close each agent gets one batch summarizing what the period
  owes them: payable lines as gross, reversal lines as clawback, net as
  the difference. Excluded lines never enter a batch; re-including a line
  before the close puts it back.

  Building a batch is a pure read over the ledger plus one save. It never
  mutates line statuses - marking lines paid happens when the payment
  system confirms the transfer, not here.
*/
package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Batcher assembles payout batches per agent and period.
type Batcher struct {
	lines   LineStore
	batches BatchStore
	audit   AuditLog
	log     zerolog.Logger
	now     func() time.Time
}

// NewBatcher creates a batch builder.
func NewBatcher(lines LineStore, batches BatchStore, audit AuditLog, log zerolog.Logger) *Batcher {
	return &Batcher{
		lines:   lines,
		batches: batches,
		audit:   audit,
		log:     log.With().Str("component", "batcher").Logger(),
		now:     time.Now,
	}
}

// Build assembles and persists the batch for one agent and period.
// Rebuilding the same (agent, period) replaces the previous batch, so a
// re-run after a late exclusion produces the corrected bordereau.
func (b *Batcher) Build(ctx context.Context, agentID AgentID, period Period) (*PayoutBatch, error) {
	lines, err := b.lines.LinesByAgentPeriod(ctx, agentID, period)
	if err != nil {
		return nil, err
	}

	batch := &PayoutBatch{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Period:      period,
		GeneratedAt: b.now(),
	}

	for _, line := range lines {
		switch line.Status {
		case StatusPayable:
			batch.Lines = append(batch.Lines, line)
			batch.TotalGross = batch.TotalGross.Add(line.Amount)
		case StatusReversed:
			if line.Kind != KindReversal {
				// Reversed originals already had their value debited by
				// the matching reversal line; listing them too would
				// double-count.
				continue
			}
			batch.Lines = append(batch.Lines, line)
			batch.TotalClawback = batch.TotalClawback.Add(line.Amount.Abs())
		}
	}
	batch.TotalNet = batch.TotalGross.Sub(batch.TotalClawback)

	if err := b.batches.SaveBatch(ctx, *batch); err != nil {
		return nil, err
	}

	if b.audit != nil {
		_ = b.audit.AppendAudit(ctx, AuditEntry{
			ID:      uuid.NewString(),
			Action:  AuditBatchGenerated,
			RefID:   batch.ID,
			AgentID: agentID,
			Period:  period,
			Amount:  batch.TotalNet,
			At:      b.now(),
		})
	}

	b.log.Info().
		Str("agent", string(agentID)).
		Str("period", period.String()).
		Str("net", batch.TotalNet.StringFixed(2)).
		Int("lines", len(batch.Lines)).
		Msg("Payout batch generated")
	return batch, nil
}
