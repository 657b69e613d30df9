/*
Package commission implements the commission calculation and recurrence
engine: given a validated sale and a resolved scale, it computes what is owed
to whom, spreads recurring payouts across future periods, awards bonus tiers,
and reverses commission when a contract terminates early.

KEY CONCEPTS IN THIS FILE (types.go):
  - Line: one computed payout unit in the append-only ledger
  - RecurrenceInstance: one contract's recurring commission stream
  - Carryforward: an agent's outstanding clawback debt ("report negatif")
  - Exclusion: a manual payout exclusion with its mandatory audit reason
  - PayoutBatch: the per-agent, per-period settlement document ("bordereau")

DESIGN PRINCIPLES:
  1. Append-only ledger: lines are never deleted; corrections are negative
     offsetting lines, exclusions are status flips with an audit record.
  2. Precision: decimal.Decimal everywhere, banker's rounding to 2 decimals
     only at the final split step.
  3. Reproducibility: every line records the exact (scale, version) it was
     priced with.

SEE ALSO:
  - calculator.go: base amount, carryforward offset, 4-way split
  - recurrence.go: per-period stream generation and its state machine
  - clawback.go: reversal of paid commission on early termination
  - engine.go: inbound event facade with idempotent handlers
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LineID string
type AgentID string
type ContractID string
type InstanceID string
type CarryforwardID string

// Party is re-exported so the ledger speaks the same split vocabulary as
// the configuration package.
type Party = bareme.Party

const (
	PartyCommercial = bareme.PartyCommercial
	PartyManager    = bareme.PartyManager
	PartyAgency     = bareme.PartyAgency
	PartyCompany    = bareme.PartyCompany
)

// =============================================================================
// LINE - One computed payout unit
// =============================================================================

// LineStatus tracks a line through the payout lifecycle.
type LineStatus string

const (
	StatusPending  LineStatus = "pending"  // computed, waiting for settlement
	StatusPayable  LineStatus = "payable"  // cleared for the next payout batch
	StatusPaid     LineStatus = "paid"     // left in a validated batch
	StatusReversed LineStatus = "reversed" // offset by a clawback
	StatusExcluded LineStatus = "excluded" // manually held back by ADV
)

// LineKind records why a line exists.
type LineKind string

const (
	KindSale       LineKind = "sale"       // initial commission on a validated sale
	KindRecurrence LineKind = "recurrence" // one period of a recurring stream
	KindBonus      LineKind = "bonus"      // tier award
	KindReversal   LineKind = "reversal"   // negative clawback offset
)

// Line is one computed payout unit. Lines are append-only: amounts are never
// edited, only the status moves, and corrections are new negative lines.
type Line struct {
	ID         LineID
	AgentID    AgentID
	ContractID ContractID

	// Period is set for recurring and bonus lines, zero for one-shot sales.
	Period Period

	ScaleID      bareme.ScaleID
	ScaleVersion int

	// BaseAmount is the figure the commission was computed from; Amount is
	// the party's share after offset, split and rounding.
	BaseAmount decimal.Decimal
	Amount     decimal.Decimal

	Party  Party
	Status LineStatus
	Kind   LineKind

	// ReferenceID links reversals to the line they offset and bonus lines
	// to their tier.
	ReferenceID string
	Reason      string

	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// RECURRENCE INSTANCE - One contract's recurring stream
// =============================================================================

// InstanceStatus is the recurrence state machine:
//
//	active ⇄ suspended
//	active → finished            (natural exhaustion)
//	active|suspended → cancelled (contract terminated; clawback only)
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceSuspended InstanceStatus = "suspendue"
	InstanceFinished  InstanceStatus = "terminee"
	InstanceCancelled InstanceStatus = "annulee"
)

// RecurrenceInstance tracks one contract × scale recurring stream.
type RecurrenceInstance struct {
	ID         InstanceID
	AgentID    AgentID
	ContractID ContractID

	ScaleID      bareme.ScaleID
	ScaleVersion int

	// BaseRevenue is the contract's reference revenue the recurrence rate
	// applies to each period.
	BaseRevenue decimal.Decimal

	PeriodsGenerated int
	PeriodsRemaining int

	Status      InstanceStatus
	StartPeriod Period
	LastPeriod  Period // last period a line was generated for

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// CARRYFORWARD - Outstanding clawback debt ("report negatif")
// =============================================================================

type CarryforwardStatus string

const (
	CarryforwardOpen      CarryforwardStatus = "open"
	CarryforwardSettled   CarryforwardStatus = "settled"
	CarryforwardCancelled CarryforwardStatus = "cancelled"
)

// Carryforward is an agent-scoped debt left over when a clawback exceeded
// the offsettable lines. RemainingAmount only ever decreases; the record is
// settled when it reaches exactly zero.
type Carryforward struct {
	ID      CarryforwardID
	AgentID AgentID

	OriginPeriod    Period
	InitialAmount   decimal.Decimal
	RemainingAmount decimal.Decimal

	Status            CarryforwardStatus
	LastAppliedPeriod Period
	Reason            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// EXCLUSION - Manual payout hold with audit trail
// =============================================================================

type ExclusionAction string

const (
	ActionExclude ExclusionAction = "exclude"
	ActionInclude ExclusionAction = "include"
)

// Exclusion is one append-only audit record of a manual exclude/include.
// It never changes computed amounts, only which lines enter the next batch.
type Exclusion struct {
	ID     string
	LineID LineID
	Action ExclusionAction

	// Reason is mandatory and must be at least MinReasonLength characters.
	Reason string
	Author string

	// PriorStatus lets an include restore the status the line had before
	// its exclusion.
	PriorStatus LineStatus

	At time.Time
}

// =============================================================================
// PAYOUT BATCH - Per-agent, per-period settlement document ("bordereau")
// =============================================================================

// PayoutBatch aggregates an agent's non-excluded lines for a closed period.
type PayoutBatch struct {
	ID      string
	AgentID AgentID
	Period  Period

	Lines []Line

	TotalGross    decimal.Decimal // positive lines
	TotalClawback decimal.Decimal // absolute value of reversal lines
	TotalNet      decimal.Decimal

	GeneratedAt time.Time
}

// =============================================================================
// PROCESSED EVENT - Idempotency ledger entry
// =============================================================================

// ProcessedEvent marks an inbound event as handled. On a transactional
// store the mark commits together with the financial mutation, so a
// redelivered event is detected and dropped instead of double-applied.
type ProcessedEvent struct {
	EventID string
	Kind    string
	At      time.Time
}
