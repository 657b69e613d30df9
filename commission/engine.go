/*
engine.go - Event-driven facade over the commission components

PURPOSE:
  The engine is the single entry point upstream systems talk to. It
  receives the four business events, deduplicates them by EventID,
  serializes work per agent, and delegates to the calculator, scheduler,
  tier evaluator and clawback engine.

KEY CONCEPTS:
  - Idempotency: every event ID is recorded after a successful handle.
    A redelivered event is logged and dropped without error, so
    at-least-once transports can replay freely. On a transactional store
    the mark commits together with the financial mutation; a crash
    mid-handle leaves no half-processed event behind.
  - Per-agent serialization: operations touching one agent's ledger run
    under that agent's lock. Different agents proceed in parallel,
    which the period close exploits.

SEE ALSO:
  - calculator.go: one-shot computation and splitting
  - recurrence.go: recurring payout streams
  - clawback.go: termination reversals
  - batch.go: payout batch assembly
*/
package commission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/commission-engine/bareme"
)

// Engine processes inbound events against the commission ledger.
type Engine struct {
	store    Store
	scales   bareme.Store
	resolver *bareme.Resolver
	comps    *components

	emitter Emitter
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[AgentID]*sync.Mutex
}

// components bundles the engine's working parts over one store binding.
// Handlers that mutate money rebuild them over a transaction view so the
// mutation and the event mark commit together.
type components struct {
	calculator *Calculator
	recurrence *Recurrence
	tiers      *TierEvaluator
	clawback   *Clawback
	batcher    *Batcher
}

func newComponents(s Store, scales bareme.Store, log zerolog.Logger) *components {
	ledger := NewLedger(s)
	calc := NewCalculator(ledger, s, s, log)
	rec := NewRecurrence(s, calc, s, log)
	return &components{
		calculator: calc,
		recurrence: rec,
		tiers:      NewTierEvaluator(ledger, s, log),
		clawback:   NewClawback(ledger, s, rec, s, s, scales, s, log),
		batcher:    NewBatcher(s, s, s, log),
	}
}

// NewEngine wires the components over a single store.
func NewEngine(store Store, scales bareme.Store, emitter Emitter, log zerolog.Logger) *Engine {
	if emitter == nil {
		emitter = NewLogEmitter(log)
	}
	return &Engine{
		store:    store,
		scales:   scales,
		resolver: bareme.NewResolver(scales, log),
		comps:    newComponents(store, scales, log),
		emitter:  emitter,
		log:      log.With().Str("component", "engine").Logger(),
		now:      time.Now,
	}
}

// Overrides returns the manual exclusion ledger bound to the same store.
func (e *Engine) Overrides() *Overrides {
	return NewOverrides(e.store, e.store, e.store, e.log)
}

// ===== EVENT HANDLERS =====

// HandleContractValidated computes the initial commission for a validated
// contract, or opens a recurrence instance when the resolved scale pays
// over time instead of up front.
func (e *Engine) HandleContractValidated(ctx context.Context, ev ContractValidated) error {
	seen, err := e.dedupe(ctx, ev.EventID, "contract_validated")
	if err != nil || seen {
		return err
	}

	unlock := e.lockAgent(ev.AgentID)
	defer unlock()

	scale, err := e.resolver.Resolve(ctx, bareme.SaleContext{
		OrganisationID:      ev.OrganisationID,
		ProductType:         ev.ProductType,
		CompensationProfile: ev.CompensationProfile,
		CompanyID:           ev.CompanyID,
		SalesChannel:        ev.SalesChannel,
		EffectiveDate:       ev.ValidatedAt,
	})
	if err != nil {
		return err
	}

	if scale.RecurrenceActive {
		// Recurring scales pay nothing at validation; the stream starts
		// the month after.
		start := PeriodOf(ev.ValidatedAt).Next()
		var inst *RecurrenceInstance
		err := e.withTx(ctx, func(s Store, c *components) error {
			var err error
			inst, err = c.recurrence.Open(ctx, scale, ev.AgentID, ev.ContractID, ev.Revenue, start)
			if err != nil {
				return err
			}
			return e.markOn(ctx, s, ev.EventID, "contract_validated")
		})
		if err != nil {
			return err
		}
		e.log.Info().
			Str("contract", string(ev.ContractID)).
			Str("instance", string(inst.ID)).
			Msg("Contract validated, recurrence opened")
		return nil
	}

	var res *CalcResult
	err = e.withTx(ctx, func(s Store, c *components) error {
		var err error
		res, err = c.calculator.Calculate(ctx, CalcInput{
			Scale:          scale,
			AgentID:        ev.AgentID,
			ContractID:     ev.ContractID,
			Base:           ev.Revenue,
			Kind:           KindSale,
			IdempotencyKey: fmt.Sprintf("sale:%s", ev.ContractID),
		})
		if err != nil {
			return err
		}
		return e.markOn(ctx, s, ev.EventID, "contract_validated")
	})
	if err != nil {
		return err
	}

	for _, line := range res.Lines {
		e.notify(ctx, NotifyLineCreated, line.AgentID, string(line.ID), line.Period, line)
	}
	e.log.Info().
		Str("contract", string(ev.ContractID)).
		Str("net", res.Net.StringFixed(2)).
		Int("lines", len(res.Lines)).
		Msg("Contract validated, commission computed")
	return nil
}

// HandlePaymentConfirmed promotes the contract's pending lines of the
// event's period to payable. A payment for March must not settle April's
// not-yet-earned recurrence lines; one-shot sale lines carry no period and
// match a zero-period event.
func (e *Engine) HandlePaymentConfirmed(ctx context.Context, ev PaymentConfirmed) error {
	seen, err := e.dedupe(ctx, ev.EventID, "payment_confirmed")
	if err != nil || seen {
		return err
	}

	lines, err := e.store.LinesByContract(ctx, ev.ContractID)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		unlock := e.lockAgent(lines[0].AgentID)
		defer unlock()
		// Reload under the lock; a concurrent computation could have
		// added lines between the read and the promotion.
		if lines, err = e.store.LinesByContract(ctx, ev.ContractID); err != nil {
			return err
		}
	}

	promoted := 0
	err = e.withTx(ctx, func(s Store, _ *components) error {
		promoted = 0
		for _, line := range lines {
			if line.Status != StatusPending || line.Period != ev.Period {
				continue
			}
			if err := s.SetLineStatus(ctx, line.ID, StatusPayable); err != nil {
				return err
			}
			e.appendAudit(ctx, s, AuditLinePromoted, line, "payment confirmed")
			promoted++
		}
		return e.markOn(ctx, s, ev.EventID, "payment_confirmed")
	})
	if err != nil {
		return err
	}

	e.log.Info().
		Str("contract", string(ev.ContractID)).
		Str("period", ev.Period.String()).
		Str("amount", ev.Amount.StringFixed(2)).
		Int("promoted", promoted).
		Msg("Payment confirmed")
	return nil
}

// HandlePeriodClosed runs the monthly close: advance every active
// recurrence, award tier bonuses, then assemble one payout batch per
// agent with activity. Agents are processed concurrently; within one
// agent everything stays ordered.
func (e *Engine) HandlePeriodClosed(ctx context.Context, ev PeriodClosed) error {
	seen, err := e.dedupe(ctx, ev.EventID, "period_closed")
	if err != nil || seen {
		return err
	}

	instances, err := e.store.ActiveInstances(ctx)
	if err != nil {
		return err
	}
	byAgent := make(map[AgentID][]RecurrenceInstance)
	for _, inst := range instances {
		byAgent[inst.AgentID] = append(byAgent[inst.AgentID], inst)
	}

	agents, err := e.store.Agents(ctx)
	if err != nil {
		return err
	}
	for _, id := range agents {
		if _, ok := byAgent[id]; !ok {
			byAgent[id] = nil
		}
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for agentID, insts := range byAgent {
		wg.Add(1)
		go func(agentID AgentID, insts []RecurrenceInstance) {
			defer wg.Done()
			if err := e.closeAgentPeriod(ctx, agentID, insts, ev.Period); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(agentID, insts)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	e.log.Info().
		Str("period", ev.Period.String()).
		Int("agents", len(byAgent)).
		Msg("Period closed")
	return e.mark(ctx, ev.EventID, "period_closed")
}

// closeAgentPeriod runs the close steps for one agent under its lock.
func (e *Engine) closeAgentPeriod(ctx context.Context, agentID AgentID, insts []RecurrenceInstance, period Period) error {
	unlock := e.lockAgent(agentID)
	defer unlock()

	for _, inst := range insts {
		scale, err := e.scales.Get(ctx, inst.ScaleID, inst.ScaleVersion)
		if err != nil {
			return fmt.Errorf("scale for instance %s: %w", inst.ID, err)
		}
		res, err := e.comps.recurrence.Advance(ctx, inst, scale, period)
		if err != nil {
			return err
		}
		if res != nil {
			for _, line := range res.Lines {
				e.notify(ctx, NotifyLineCreated, line.AgentID, string(line.ID), line.Period, line)
			}
		}
	}

	for _, scale := range e.agentScales(ctx, agentID, period) {
		awards, err := e.comps.tiers.Evaluate(ctx, agentID, scale, period)
		if err != nil {
			return err
		}
		for _, line := range awards {
			e.notify(ctx, NotifyLineCreated, line.AgentID, string(line.ID), line.Period, line)
		}
	}

	batch, err := e.comps.batcher.Build(ctx, agentID, period)
	if err != nil {
		return err
	}
	if len(batch.Lines) > 0 {
		e.emitBatch(ctx, batch)
	}
	return nil
}

// agentScales returns the distinct tiered scales behind the agent's lines
// in the period. A scale version that failed to load is skipped; its
// lines were computed from a version we wrote, so this only happens on
// store corruption and is logged.
func (e *Engine) agentScales(ctx context.Context, agentID AgentID, period Period) []*bareme.Scale {
	lines, err := e.store.LinesByAgentPeriod(ctx, agentID, period)
	if err != nil {
		e.log.Error().Err(err).Str("agent", string(agentID)).Msg("Loading period lines for tier evaluation")
		return nil
	}

	type key struct {
		id      bareme.ScaleID
		version int
	}
	seen := make(map[key]bool)
	var scales []*bareme.Scale
	for _, line := range lines {
		if line.ScaleID == "" {
			continue
		}
		k := key{line.ScaleID, line.ScaleVersion}
		if seen[k] {
			continue
		}
		seen[k] = true
		scale, err := e.scales.Get(ctx, k.id, k.version)
		if err != nil {
			e.log.Error().Err(err).Str("scale", string(k.id)).Int("version", k.version).Msg("Loading scale for tier evaluation")
			continue
		}
		if len(scale.Tiers) > 0 {
			scales = append(scales, scale)
		}
	}
	return scales
}

// HandleContractTerminated evaluates the clawback for a terminated
// contract and emits a notification per reversal line.
func (e *Engine) HandleContractTerminated(ctx context.Context, ev ContractTerminated) error {
	seen, err := e.dedupe(ctx, ev.EventID, "contract_terminated")
	if err != nil || seen {
		return err
	}

	// Serialize with the agent's other ledger work; the clawback's
	// carryforward open would otherwise race a concurrent computation's
	// read-modify-write of the same balance.
	history, err := e.store.LinesByContract(ctx, ev.ContractID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		unlock := e.lockAgent(history[0].AgentID)
		defer unlock()
	}

	var res *ClawbackResult
	err = e.withTx(ctx, func(s Store, c *components) error {
		var err error
		res, err = c.clawback.Process(ctx, Termination{
			EventID:         ev.EventID,
			ContractID:      ev.ContractID,
			ActivationDate:  ev.ActivatedAt,
			TerminationDate: ev.TerminatedAt,
			Reason:          ev.Reason,
		})
		if err != nil {
			return err
		}
		return e.markOn(ctx, s, ev.EventID, "contract_terminated")
	})
	if err != nil {
		return err
	}

	for _, line := range res.ReversalLines {
		e.notify(ctx, NotifyLineReversed, line.AgentID, string(line.ID), line.Period, line)
	}

	e.log.Info().
		Str("contract", string(ev.ContractID)).
		Bool("in_window", res.InWindow).
		Str("reversed", res.ReversedAmount.StringFixed(2)).
		Msg("Contract terminated")
	return nil
}

// ===== IDEMPOTENCY =====

// dedupe reports whether the event was already processed. Duplicates are
// audited and dropped silently, matching at-least-once delivery.
func (e *Engine) dedupe(ctx context.Context, eventID, kind string) (bool, error) {
	seen, err := e.store.EventSeen(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !seen {
		return false, nil
	}
	_ = e.store.AppendAudit(ctx, AuditEntry{
		ID:     uuid.NewString(),
		Action: AuditDuplicateEventFiltered,
		RefID:  eventID,
		Detail: kind,
		At:     e.now(),
	})
	e.log.Warn().Str("event", eventID).Str("kind", kind).Msg("Duplicate event dropped")
	return true, nil
}

func (e *Engine) mark(ctx context.Context, eventID, kind string) error {
	return e.markOn(ctx, e.store, eventID, kind)
}

func (e *Engine) markOn(ctx context.Context, s EventStore, eventID, kind string) error {
	return s.MarkEvent(ctx, ProcessedEvent{EventID: eventID, Kind: kind, At: e.now()})
}

// withTx runs fn with components bound to a transaction when the store
// supports one, so the handler's event mark commits or rolls back together
// with the financial mutation. Plain stores fall back to the engine's
// singleton components.
func (e *Engine) withTx(ctx context.Context, fn func(Store, *components) error) error {
	if tx, ok := e.store.(TxStore); ok {
		return tx.WithTx(ctx, func(s Store) error {
			return fn(s, newComponents(s, e.scales, e.log))
		})
	}
	return fn(e.store, e.comps)
}

// ===== AGENT LOCKING =====

// lockAgent acquires the agent's lock, creating it on first use.
func (e *Engine) lockAgent(id AgentID) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[AgentID]*sync.Mutex)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ===== NOTIFICATIONS =====

func (e *Engine) notify(ctx context.Context, kind NotificationKind, agentID AgentID, refID string, period Period, line Line) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, Notification{
		Kind:    kind,
		AgentID: agentID,
		RefID:   refID,
		Period:  period,
		Amount:  line.Amount,
		At:      e.now(),
	}); err != nil {
		e.log.Error().Err(err).Str("kind", string(kind)).Msg("Emitting notification")
	}
}

func (e *Engine) emitBatch(ctx context.Context, batch *PayoutBatch) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, Notification{
		Kind:    NotifyPayoutBatchReady,
		AgentID: batch.AgentID,
		RefID:   batch.ID,
		Period:  batch.Period,
		Amount:  batch.TotalNet,
		At:      e.now(),
	}); err != nil {
		e.log.Error().Err(err).Msg("Emitting batch notification")
	}
}

func (e *Engine) appendAudit(ctx context.Context, s AuditLog, action AuditAction, line Line, detail string) {
	_ = s.AppendAudit(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		RefID:      string(line.ID),
		AgentID:    line.AgentID,
		ContractID: line.ContractID,
		Period:     line.Period,
		Amount:     line.Amount,
		Detail:     detail,
		At:         e.now(),
	})
}
