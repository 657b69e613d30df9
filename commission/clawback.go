/*
clawback.go - Commission reversal on early termination ("reprise")

PURPOSE:
  When a contract terminates inside the scale's clawback window, the engine
  takes back ClawbackRate percent of what was already paid. The reversal
  debits the contract's still-pending/payable lines first (most recent
  first, as negative offsetting lines); whatever cannot be absorbed becomes
  a negative carryforward the agent's future commissions pay down.

WINDOW:
  monthsSinceActivation > ClawbackWindowMonths  =>  nothing is due.

IDEMPOTENCE:
  Termination events are deduplicated per (contract, terminationEventID) by
  the engine's idempotency ledger. Process is also idempotent on its own:
  reversal lines carry deterministic keys derived from the event ID, and a
  replay that finds them returns the recorded result instead of recomputing,
  so it can neither double-reverse nor book the debt twice.

SEE ALSO:
  - recurrence.go: the cancelled transition only this engine triggers
  - calculator.go: future computations offsetting the carryforward
*/
package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
)

// Clawback reverses paid commission after contract termination.
type Clawback struct {
	ledger     *Ledger
	lines      LineStore
	recurrence *Recurrence
	instances  RecurrenceStore
	cfs        CarryforwardStore
	scales     bareme.Store
	audit      AuditLog
	log        zerolog.Logger
	now        func() time.Time
}

// NewClawback creates the clawback engine.
func NewClawback(ledger *Ledger, lines LineStore, rec *Recurrence, instances RecurrenceStore,
	cfs CarryforwardStore, scales bareme.Store, audit AuditLog, log zerolog.Logger) *Clawback {
	return &Clawback{
		ledger:     ledger,
		lines:      lines,
		recurrence: rec,
		instances:  instances,
		cfs:        cfs,
		scales:     scales,
		audit:      audit,
		log:        log.With().Str("component", "clawback").Logger(),
		now:        time.Now,
	}
}

// Termination describes one contract-termination business event.
// AgentID and ActivationDate may be left zero; they are then recovered from
// the contract's ledger history. The ActivationDate fallback is the first
// ledger write, which lags the real activation when a commission is computed
// late - producers that know the contract's activation date should send it.
type Termination struct {
	EventID         string
	ContractID      ContractID
	AgentID         AgentID
	ActivationDate  time.Time
	TerminationDate time.Time
	Reason          string
}

// ClawbackResult reports what one termination produced.
type ClawbackResult struct {
	InWindow       bool
	ReversalDue    decimal.Decimal // paid total x clawback rate
	ReversedAmount decimal.Decimal // absorbed by pending/payable lines
	Shortfall      decimal.Decimal // opened/added as carryforward
	ReversalLines  []Line
	Carryforward   *Carryforward
}

// Process applies a termination. Recurrence instances of the contract are
// cancelled regardless of the window; the reversal itself is only computed
// when the termination falls inside the scale's clawback window.
func (cb *Clawback) Process(ctx context.Context, t Termination) (*ClawbackResult, error) {
	history, err := cb.lines.LinesByContract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}

	// A replay finds its own reversal lines by their deterministic keys
	// and returns the recorded result; recomputing would see the already
	// reversed lines as non-offsettable and book the debt a second time.
	if prior := reversalsOf(history, t.EventID); len(prior) > 0 {
		res := &ClawbackResult{InWindow: true, ReversalLines: prior}
		for _, line := range prior {
			res.ReversedAmount = res.ReversedAmount.Add(line.Amount.Abs())
		}
		cb.log.Warn().
			Str("contract", string(t.ContractID)).
			Str("event", t.EventID).
			Msg("Termination already processed, returning recorded reversal")
		return res, nil
	}

	// Stop any further generation first.
	if err := cb.cancelInstances(ctx, t.ContractID); err != nil {
		return nil, err
	}

	res := &ClawbackResult{}
	if len(history) == 0 {
		// Nothing was ever commissioned; termination is a no-op.
		return res, nil
	}

	last := history[len(history)-1]
	scale, err := cb.scales.Get(ctx, last.ScaleID, last.ScaleVersion)
	if err != nil {
		return nil, err
	}
	if t.AgentID == "" {
		t.AgentID = last.AgentID
	}
	if t.ActivationDate.IsZero() {
		t.ActivationDate = history[0].CreatedAt
	}

	months := MonthsBetween(t.ActivationDate, t.TerminationDate)
	if months > scale.ClawbackWindowMonths {
		cb.log.Info().
			Str("contract", string(t.ContractID)).
			Int("months", months).
			Msg("Termination outside clawback window, no reversal due")
		return res, nil
	}
	res.InWindow = true

	rate := scale.ClawbackRate
	if rate.IsZero() {
		rate = bareme.DefaultClawbackRate
	}

	paid, err := cb.ledger.PaidTotal(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	res.ReversalDue = paid.Mul(rate).Div(hundred).RoundBank(2)
	if res.ReversalDue.IsZero() {
		return res, nil
	}

	// Debit pending/payable lines most-recent-first.
	offsettable, err := cb.ledger.OffsettableLines(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}

	left := res.ReversalDue
	for _, line := range offsettable {
		if left.IsZero() {
			break
		}
		take := line.Amount
		if take.GreaterThan(left) {
			take = left
		}

		reversal := Line{
			ID:             LineID(uuid.NewString()),
			AgentID:        line.AgentID,
			ContractID:     line.ContractID,
			Period:         line.Period,
			ScaleID:        line.ScaleID,
			ScaleVersion:   line.ScaleVersion,
			BaseAmount:     line.Amount,
			Amount:         take.Neg(),
			Party:          line.Party,
			Status:         StatusReversed,
			Kind:           KindReversal,
			ReferenceID:    string(line.ID),
			Reason:         t.Reason,
			IdempotencyKey: fmt.Sprintf("reversal:%s:%s", t.EventID, line.ID),
			CreatedAt:      cb.now(),
		}
		if err := cb.ledger.Append(ctx, reversal); err != nil {
			return nil, err
		}
		// Only a fully consumed line flips to reversed. A partial take
		// leaves the original payable; the negative line carries the debit
		// and the residual still reaches the agent through the batch.
		if take.Equal(line.Amount) {
			if err := cb.lines.SetLineStatus(ctx, line.ID, StatusReversed); err != nil {
				return nil, err
			}
		}

		cb.appendAudit(ctx, AuditEntry{
			Action:     AuditLineReversed,
			RefID:      string(line.ID),
			AgentID:    line.AgentID,
			ContractID: line.ContractID,
			Period:     line.Period,
			Amount:     reversal.Amount,
			Detail:     t.Reason,
			At:         cb.now(),
		})

		res.ReversalLines = append(res.ReversalLines, reversal)
		res.ReversedAmount = res.ReversedAmount.Add(take)
		left = left.Sub(take)
	}

	// Shortfall becomes (or grows) the agent's negative carryforward.
	if left.IsPositive() {
		cf, err := cb.openCarryforward(ctx, t, left)
		if err != nil {
			return nil, err
		}
		res.Shortfall = left
		res.Carryforward = cf
	}

	cb.log.Info().
		Str("contract", string(t.ContractID)).
		Str("due", res.ReversalDue.String()).
		Str("reversed", res.ReversedAmount.String()).
		Str("shortfall", res.Shortfall.String()).
		Msg("Clawback applied")
	return res, nil
}

// reversalsOf returns the reversal lines a prior run of the given event
// wrote, identified by their deterministic idempotency keys.
func reversalsOf(history []Line, eventID string) []Line {
	prefix := fmt.Sprintf("reversal:%s:", eventID)
	var prior []Line
	for _, line := range history {
		if line.Kind == KindReversal && strings.HasPrefix(line.IdempotencyKey, prefix) {
			prior = append(prior, line)
		}
	}
	return prior
}

func (cb *Clawback) cancelInstances(ctx context.Context, contractID ContractID) error {
	instances, err := cb.instances.InstancesByContract(ctx, contractID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status != InstanceActive && inst.Status != InstanceSuspended {
			continue
		}
		if err := cb.recurrence.Cancel(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

// openCarryforward increments the agent's open balance or creates a new one.
func (cb *Clawback) openCarryforward(ctx context.Context, t Termination, shortfall decimal.Decimal) (*Carryforward, error) {
	period := PeriodOf(t.TerminationDate)

	open, err := cb.cfs.OpenCarryforwards(ctx, t.AgentID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		cf := open[len(open)-1] // grow the newest open balance
		cf.InitialAmount = cf.InitialAmount.Add(shortfall)
		cf.RemainingAmount = cf.RemainingAmount.Add(shortfall)
		cf.UpdatedAt = cb.now()
		if err := cb.cfs.UpdateCarryforward(ctx, cf); err != nil {
			return nil, err
		}
		cb.appendAudit(ctx, AuditEntry{
			Action:     AuditCarryforwardOpened,
			RefID:      string(cf.ID),
			AgentID:    t.AgentID,
			ContractID: t.ContractID,
			Period:     period,
			Amount:     shortfall,
			Detail:     t.Reason,
			At:         cb.now(),
		})
		return &cf, nil
	}

	cf := Carryforward{
		ID:              CarryforwardID(uuid.NewString()),
		AgentID:         t.AgentID,
		OriginPeriod:    period,
		InitialAmount:   shortfall,
		RemainingAmount: shortfall,
		Status:          CarryforwardOpen,
		Reason:          t.Reason,
		CreatedAt:       cb.now(),
		UpdatedAt:       cb.now(),
	}
	if err := cb.cfs.CreateCarryforward(ctx, cf); err != nil {
		return nil, err
	}
	cb.appendAudit(ctx, AuditEntry{
		Action:     AuditCarryforwardOpened,
		RefID:      string(cf.ID),
		AgentID:    t.AgentID,
		ContractID: t.ContractID,
		Period:     period,
		Amount:     shortfall,
		Detail:     t.Reason,
		At:         cb.now(),
	})
	return &cf, nil
}

func (cb *Clawback) appendAudit(ctx context.Context, entry AuditEntry) {
	if cb.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	if err := cb.audit.AppendAudit(ctx, entry); err != nil {
		cb.log.Error().Err(err).Str("action", string(entry.Action)).Msg("Audit append failed")
	}
}
