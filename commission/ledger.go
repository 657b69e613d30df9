/*
ledger.go - Append-only commission ledger

PURPOSE:
  The Ledger is the source of truth for everything owed. Every sale
  commission, recurring period, bonus award and clawback reversal is a line
  here. Totals are always computed by replaying lines - there is no separate
  balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: lines are never deleted.
  2. AMOUNTS ARE IMMUTABLE: corrections are negative offsetting lines.
  3. STATUS-ONLY MUTATION: the single permitted update is the payout status
     (pending -> payable -> paid, or reversed/excluded).
  4. IDEMPOTENT: a reused idempotency key is rejected, so replayed events
     cannot double-write.

SEE ALSO:
  - store.go: LineStore interface
  - clawback.go: consumes the derived totals below
*/
package commission

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Ledger wraps a LineStore with idempotency checks and derived totals.
type Ledger struct {
	store LineStore
}

// NewLedger creates a ledger over the store.
func NewLedger(store LineStore) *Ledger {
	return &Ledger{store: store}
}

// Append adds a line. Fails with ErrDuplicateLine if the idempotency key
// was already written.
func (l *Ledger) Append(ctx context.Context, line Line) error {
	if line.IdempotencyKey != "" {
		exists, err := l.store.LineKeyExists(ctx, line.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateLine
		}
	}
	return l.store.AppendLine(ctx, line)
}

// AppendBatch adds multiple lines atomically.
func (l *Ledger) AppendBatch(ctx context.Context, lines []Line) error {
	for _, line := range lines {
		if line.IdempotencyKey == "" {
			continue
		}
		exists, err := l.store.LineKeyExists(ctx, line.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateLine
		}
	}
	return l.store.AppendLines(ctx, lines)
}

// PaidTotal sums a contract's paid lines. This is the base a clawback rate
// applies to.
func (l *Ledger) PaidTotal(ctx context.Context, contractID ContractID) (decimal.Decimal, error) {
	lines, err := l.store.LinesByContract(ctx, contractID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, line := range lines {
		if line.Status == StatusPaid && line.Kind != KindReversal {
			total = total.Add(line.Amount)
		}
	}
	return total, nil
}

// OffsettableLines returns a contract's pending and payable lines, most
// recent first. These are the lines a clawback debits before opening a
// carryforward.
func (l *Ledger) OffsettableLines(ctx context.Context, contractID ContractID) ([]Line, error) {
	lines, err := l.store.LinesByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	var out []Line
	for _, line := range lines {
		if line.Status == StatusPending || line.Status == StatusPayable {
			out = append(out, line)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AgentPeriodFigures returns an agent's sale volume and summed base revenue,
// either for one period or over the whole ledger. Bonus and reversal lines
// are not counted as sales. The party lines of one split all describe the
// same sale, so lines are grouped by (contract, period, kind) and each group
// counts once; a split paying the commercial party nothing still counts.
func (l *Ledger) AgentPeriodFigures(ctx context.Context, agentID AgentID, period Period, lifetime bool) (volume int64, revenue decimal.Decimal, err error) {
	var lines []Line
	if lifetime {
		lines, err = l.store.LinesByAgent(ctx, agentID)
	} else {
		lines, err = l.store.LinesByAgentPeriod(ctx, agentID, period)
	}
	if err != nil {
		return 0, decimal.Zero, err
	}

	type saleKey struct {
		contract ContractID
		period   Period
		kind     LineKind
	}
	seen := make(map[saleKey]bool)

	revenue = decimal.Zero
	for _, line := range lines {
		if line.Kind != KindSale && line.Kind != KindRecurrence {
			continue
		}
		if line.Status == StatusReversed {
			continue
		}
		k := saleKey{line.ContractID, line.Period, line.Kind}
		if seen[k] {
			continue
		}
		seen[k] = true
		volume++
		revenue = revenue.Add(line.BaseAmount)
	}
	return volume, revenue, nil
}
