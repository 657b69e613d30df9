/*
calculator.go - Base commission computation and 4-way split

PURPOSE:
  Computes one sale's (or one recurring period's) commission: the raw amount
  from the scale's mode, the carryforward offset, and the split into party
  lines.

PIPELINE:
  1. raw   = fixedAmount                     (fixed mode)
           = base * rate / 100               (percentage mode)
  2. offset: any OPEN carryforward of the agent absorbs raw first, oldest
     debt first. The absorption is recorded even when it swallows raw
     entirely and no payable line results.
  3. split: the remainder is divided per the scale's percentages. Banker's
     rounding to 2 decimals happens here and ONLY here; the +/-0.01
     remainder goes to the company party so the four shares sum exactly.
  4. status: precompte scales produce payable lines immediately, everything
     else starts pending until a settlement event promotes it.

ROUNDING:
  decimal.RoundBank implements round-half-to-even. Rounding earlier in the
  pipeline would leak cents across periods; keeping full precision until the
  split keeps recomputation exact.
*/
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
)

var hundred = decimal.NewFromInt(100)

// Calculator computes commission lines for one sale event.
type Calculator struct {
	ledger *Ledger
	cfs    CarryforwardStore
	audit  AuditLog
	log    zerolog.Logger
	now    func() time.Time
}

// NewCalculator creates a calculator over the ledger and carryforward store.
func NewCalculator(ledger *Ledger, cfs CarryforwardStore, audit AuditLog, log zerolog.Logger) *Calculator {
	return &Calculator{
		ledger: ledger,
		cfs:    cfs,
		audit:  audit,
		log:    log.With().Str("component", "calculator").Logger(),
		now:    time.Now,
	}
}

// CalcInput is one commission computation request.
type CalcInput struct {
	Scale      *bareme.Scale
	AgentID    AgentID
	ContractID ContractID

	// Base is the flat amount for fixed mode or the revenue figure for
	// percentage mode.
	Base decimal.Decimal

	// Period is set for recurring lines, zero for one-shot sales.
	Period Period

	// RecurringRate, when set, replaces the scale's mode: the raw amount is
	// RecurringRate percent of Base. Used by the recurrence scheduler.
	RecurringRate decimal.Decimal

	Kind LineKind

	// IdempotencyKey scopes the write; party suffixes are derived from it.
	IdempotencyKey string
}

// CalcResult reports what one computation produced.
type CalcResult struct {
	Raw    decimal.Decimal // before offset
	Offset decimal.Decimal // absorbed by carryforwards
	Net    decimal.Decimal // split across lines
	Lines  []Line          // zero-amount party shares are skipped
}

// RawAmount computes the gross commission for a scale and base figure.
// The dispatch is exhaustive over the closed set of calculation modes.
func RawAmount(scale *bareme.Scale, base decimal.Decimal) decimal.Decimal {
	switch scale.Mode {
	case bareme.CalcFixed:
		return scale.FixedAmount
	case bareme.CalcPercentage:
		return base.Mul(scale.Rate).Div(hundred)
	case bareme.CalcMixed:
		if !scale.Rate.IsZero() {
			return base.Mul(scale.Rate).Div(hundred)
		}
		return scale.FixedAmount
	default:
		return decimal.Zero
	}
}

// Calculate runs the full pipeline and appends the resulting lines.
//
// The caller serializes invocations per agent; two concurrent computations
// for the same agent would otherwise both read a stale carryforward balance
// and double-offset.
func (c *Calculator) Calculate(ctx context.Context, in CalcInput) (*CalcResult, error) {
	raw := RawAmount(in.Scale, in.Base)
	if !in.RecurringRate.IsZero() {
		raw = in.Base.Mul(in.RecurringRate).Div(hundred)
	}

	offset, err := c.applyCarryforwards(ctx, in, raw)
	if err != nil {
		return nil, err
	}
	net := raw.Sub(offset)

	res := &CalcResult{Raw: raw, Offset: offset, Net: net}
	if net.IsZero() || net.IsNegative() {
		// Fully absorbed by debt: the offset above is the whole story.
		c.log.Info().
			Str("agent", string(in.AgentID)).
			Str("contract", string(in.ContractID)).
			Str("raw", raw.String()).
			Msg("Commission fully absorbed by carryforward")
		return res, nil
	}

	status := StatusPending
	if in.Scale.Precompte {
		status = StatusPayable
	}

	res.Lines = SplitAmount(net, in, status, c.now())
	if err := c.ledger.AppendBatch(ctx, res.Lines); err != nil {
		return nil, err
	}

	for _, line := range res.Lines {
		c.appendAudit(ctx, AuditEntry{
			Action:     AuditLineComputed,
			RefID:      string(line.ID),
			AgentID:    line.AgentID,
			ContractID: line.ContractID,
			Period:     line.Period,
			Amount:     line.Amount,
			At:         c.now(),
		})
	}

	c.log.Info().
		Str("agent", string(in.AgentID)).
		Str("contract", string(in.ContractID)).
		Str("net", net.String()).
		Int("lines", len(res.Lines)).
		Msg("Commission computed")
	return res, nil
}

// SplitAmount divides net into party lines per the scale's split. Each share
// is banker's-rounded to 2 decimals; the remainder is assigned to the
// company party so the shares sum to net exactly. Zero shares produce no line.
func SplitAmount(net decimal.Decimal, in CalcInput, status LineStatus, now time.Time) []Line {
	target := net.RoundBank(2)

	shares := make(map[Party]decimal.Decimal, len(bareme.Parties))
	allocated := decimal.Zero
	for _, p := range bareme.Parties {
		share := net.Mul(in.Scale.Split.Pct(p)).Div(hundred).RoundBank(2)
		shares[p] = share
		allocated = allocated.Add(share)
	}

	// Rounding remainder (at most one cent) lands on the company share.
	remainder := target.Sub(allocated)
	if !remainder.IsZero() {
		shares[PartyCompany] = shares[PartyCompany].Add(remainder)
	}

	var lines []Line
	for _, p := range bareme.Parties {
		if shares[p].IsZero() {
			continue
		}
		lines = append(lines, Line{
			ID:             LineID(uuid.NewString()),
			AgentID:        in.AgentID,
			ContractID:     in.ContractID,
			Period:         in.Period,
			ScaleID:        in.Scale.ID,
			ScaleVersion:   in.Scale.Version,
			BaseAmount:     in.Base,
			Amount:         shares[p],
			Party:          p,
			Status:         status,
			Kind:           in.Kind,
			IdempotencyKey: partyKey(in.IdempotencyKey, p),
			CreatedAt:      now,
		})
	}
	return lines
}

// applyCarryforwards absorbs raw into the agent's open debts, oldest first.
// Returns the total absorbed. RemainingAmount never goes below zero; a debt
// reaching exactly zero is settled.
func (c *Calculator) applyCarryforwards(ctx context.Context, in CalcInput, raw decimal.Decimal) (decimal.Decimal, error) {
	open, err := c.cfs.OpenCarryforwards(ctx, in.AgentID)
	if err != nil {
		return decimal.Zero, err
	}

	absorbed := decimal.Zero
	left := raw
	for _, cf := range open {
		if left.IsZero() || left.IsNegative() {
			break
		}
		if cf.RemainingAmount.IsNegative() {
			return decimal.Zero, &OffsetDataError{
				Carryforward: cf.ID,
				Remaining:    cf.RemainingAmount,
				Detail:       "open carryforward with negative remaining amount",
			}
		}

		take := cf.RemainingAmount
		if take.GreaterThan(left) {
			take = left
		}

		cf.RemainingAmount = cf.RemainingAmount.Sub(take)
		cf.LastAppliedPeriod = in.Period
		cf.UpdatedAt = c.now()
		if cf.RemainingAmount.IsZero() {
			cf.Status = CarryforwardSettled
		}
		if err := c.cfs.UpdateCarryforward(ctx, cf); err != nil {
			return decimal.Zero, err
		}

		action := AuditCarryforwardApplied
		if cf.Status == CarryforwardSettled {
			action = AuditCarryforwardSettled
		}
		c.appendAudit(ctx, AuditEntry{
			Action:     action,
			RefID:      string(cf.ID),
			AgentID:    in.AgentID,
			ContractID: in.ContractID,
			Period:     in.Period,
			Amount:     take.Neg(),
			Detail:     fmt.Sprintf("offset against %s", in.IdempotencyKey),
			At:         c.now(),
		})

		absorbed = absorbed.Add(take)
		left = left.Sub(take)
	}
	return absorbed, nil
}

func (c *Calculator) appendAudit(ctx context.Context, entry AuditEntry) {
	if c.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	if err := c.audit.AppendAudit(ctx, entry); err != nil {
		c.log.Error().Err(err).Str("action", string(entry.Action)).Msg("Audit append failed")
	}
}

func partyKey(base string, p Party) string {
	if base == "" {
		return ""
	}
	return base + ":" + string(p)
}
