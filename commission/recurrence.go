/*
recurrence.go - Recurring commission streams

PURPOSE:
  A scale with recurrence active spreads the commission over future periods
  instead of paying it on validation. Each contract gets a
  RecurrenceInstance that is advanced once per closed period: the period's
  line is RecurrenceRate percent of the contract's reference revenue, run
  through the normal calculator pipeline (carryforward offset + split).

STATE MACHINE:
  active ⇄ suspended        (external suspend/resume, remaining frozen)
  active → finished          (periods exhausted)
  active|suspended → cancelled (contract terminated - only the clawback
                                engine triggers this, never callers)

  No generation happens while suspended; PeriodsRemaining does not move.
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

// Recurrence manages recurring stream instances.
type Recurrence struct {
	store      RecurrenceStore
	calculator *Calculator
	audit      AuditLog
	log        zerolog.Logger
	now        func() time.Time
}

// NewRecurrence creates the recurrence manager.
func NewRecurrence(store RecurrenceStore, calc *Calculator, audit AuditLog, log zerolog.Logger) *Recurrence {
	return &Recurrence{
		store:      store,
		calculator: calc,
		audit:      audit,
		log:        log.With().Str("component", "recurrence").Logger(),
		now:        time.Now,
	}
}

// Open creates the instance for a contract's first application of a
// recurring scale. PeriodsRemaining starts at the scale's RecurrenceMonths.
func (r *Recurrence) Open(ctx context.Context, scale *bareme.Scale, agentID AgentID, contractID ContractID, baseRevenue decimal.Decimal, start Period) (*RecurrenceInstance, error) {
	inst := RecurrenceInstance{
		ID:               InstanceID(uuid.NewString()),
		AgentID:          agentID,
		ContractID:       contractID,
		ScaleID:          scale.ID,
		ScaleVersion:     scale.Version,
		BaseRevenue:      baseRevenue,
		PeriodsRemaining: scale.RecurrenceMonths,
		Status:           InstanceActive,
		StartPeriod:      start,
		CreatedAt:        r.now(),
		UpdatedAt:        r.now(),
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	r.log.Info().
		Str("contract", string(contractID)).
		Str("scale", string(scale.ID)).
		Int("months", scale.RecurrenceMonths).
		Msg("Recurrence stream opened")
	return &inst, nil
}

// Advance generates one period's line for an active instance and decrements
// the remaining count, finishing the instance at zero. Suspended, finished
// and cancelled instances are left untouched.
func (r *Recurrence) Advance(ctx context.Context, inst RecurrenceInstance, scale *bareme.Scale, period Period) (*CalcResult, error) {
	if inst.Status != InstanceActive {
		return nil, nil
	}
	if !inst.LastPeriod.IsZero() && !inst.LastPeriod.Before(period) {
		// Already generated for this period; at-least-once tick delivery.
		return nil, nil
	}

	res, err := r.calculator.Calculate(ctx, CalcInput{
		Scale:          scale,
		AgentID:        inst.AgentID,
		ContractID:     inst.ContractID,
		Base:           inst.BaseRevenue,
		Period:         period,
		RecurringRate:  scale.RecurrenceRate,
		Kind:           KindRecurrence,
		IdempotencyKey: fmt.Sprintf("recurrence:%s:%s", inst.ID, period),
	})
	if err != nil {
		return nil, err
	}

	inst.PeriodsGenerated++
	inst.PeriodsRemaining--
	inst.LastPeriod = period
	inst.UpdatedAt = r.now()
	if inst.PeriodsRemaining <= 0 {
		inst.Status = InstanceFinished
	}
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	if r.audit != nil {
		action := AuditRecurrenceGenerated
		if inst.Status == InstanceFinished {
			action = AuditRecurrenceFinished
		}
		_ = r.audit.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Action:     action,
			RefID:      string(inst.ID),
			AgentID:    inst.AgentID,
			ContractID: inst.ContractID,
			Period:     period,
			Amount:     res.Net,
			At:         r.now(),
		})
	}

	r.log.Debug().
		Str("instance", string(inst.ID)).
		Str("period", period.String()).
		Int("remaining", inst.PeriodsRemaining).
		Msg("Recurrence period generated")
	return res, nil
}

// Suspend freezes an active instance. No generation while suspended.
func (r *Recurrence) Suspend(ctx context.Context, id InstanceID) error {
	return r.transition(ctx, id, InstanceActive, InstanceSuspended, AuditRecurrenceSuspended)
}

// Resume reactivates a suspended instance.
func (r *Recurrence) Resume(ctx context.Context, id InstanceID) error {
	return r.transition(ctx, id, InstanceSuspended, InstanceActive, AuditRecurrenceResumed)
}

// Cancel terminates an instance following contract termination. Only the
// clawback engine calls this.
func (r *Recurrence) Cancel(ctx context.Context, id InstanceID) error {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != InstanceActive && inst.Status != InstanceSuspended {
		return &TransitionError{Instance: id, From: inst.Status, To: InstanceCancelled}
	}
	inst.Status = InstanceCancelled
	inst.UpdatedAt = r.now()
	if err := r.store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	if r.audit != nil {
		_ = r.audit.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Action:     AuditRecurrenceCancelled,
			RefID:      string(id),
			AgentID:    inst.AgentID,
			ContractID: inst.ContractID,
			At:         r.now(),
		})
	}
	r.log.Info().Str("instance", string(id)).Msg("Recurrence stream cancelled")
	return nil
}

func (r *Recurrence) transition(ctx context.Context, id InstanceID, from, to InstanceStatus, action AuditAction) error {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != from {
		return &TransitionError{Instance: id, From: inst.Status, To: to}
	}
	inst.Status = to
	inst.UpdatedAt = r.now()
	if err := r.store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	if r.audit != nil {
		_ = r.audit.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Action:     action,
			RefID:      string(id),
			AgentID:    inst.AgentID,
			ContractID: inst.ContractID,
			At:         r.now(),
		})
	}
	return nil
}
