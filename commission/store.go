/*
store.go - Persistence interfaces for the engine

PURPOSE:
  Defines the boundary between engine logic and the database. Line storage
  is append-only with one sanctioned mutation: the payout status. Amounts
  are never edited; corrections are new negative lines.

KEY INTERFACES:
  LineStore:         The commission ledger (append, query, status moves)
  RecurrenceStore:   Recurring stream instances
  CarryforwardStore: Negative carryforward balances
  ExclusionStore:    Manual exclusion audit trail
  EventStore:        Idempotency ledger for inbound events
  AuditLog:          Engine action audit trail
  Store:             All of the above, plus atomic transactions

IDEMPOTENCY:
  Every line append carries an idempotency key; a reused key is rejected.
  Inbound events are marked in the EventStore inside the same transaction
  as their financial mutation.

IMPLEMENTATIONS:
  - commission/store: in-memory (testing/dev)
  - store/sqlite:     production SQLite
*/
package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LINE STORE - The commission ledger
// =============================================================================

// LineStore persists commission lines. Append-only: no deletes, and the only
// permitted update is the payout status transition.
type LineStore interface {
	// AppendLine persists a line. Fails with ErrDuplicateLine if the
	// idempotency key already exists.
	AppendLine(ctx context.Context, line Line) error

	// AppendLines persists several lines atomically.
	AppendLines(ctx context.Context, lines []Line) error

	// GetLine returns one line by ID.
	GetLine(ctx context.Context, id LineID) (*Line, error)

	// SetLineStatus moves a line's payout status. Amounts are untouched.
	SetLineStatus(ctx context.Context, id LineID, status LineStatus) error

	// LinesByAgent returns all lines for an agent, oldest first.
	LinesByAgent(ctx context.Context, agentID AgentID) ([]Line, error)

	// LinesByContract returns all lines for a contract, oldest first.
	LinesByContract(ctx context.Context, contractID ContractID) ([]Line, error)

	// LinesByAgentPeriod returns an agent's lines for one period.
	LinesByAgentPeriod(ctx context.Context, agentID AgentID, period Period) ([]Line, error)

	// LineKeyExists checks whether an idempotency key was already written.
	LineKeyExists(ctx context.Context, key string) (bool, error)

	// Agents returns every agent with at least one line.
	Agents(ctx context.Context) ([]AgentID, error)
}

// =============================================================================
// RECURRENCE STORE
// =============================================================================

type RecurrenceStore interface {
	CreateInstance(ctx context.Context, inst RecurrenceInstance) error
	GetInstance(ctx context.Context, id InstanceID) (*RecurrenceInstance, error)
	UpdateInstance(ctx context.Context, inst RecurrenceInstance) error

	// InstancesByContract returns all instances of a contract.
	InstancesByContract(ctx context.Context, contractID ContractID) ([]RecurrenceInstance, error)

	// ActiveInstances returns every instance in the active state.
	ActiveInstances(ctx context.Context) ([]RecurrenceInstance, error)
}

// =============================================================================
// CARRYFORWARD STORE
// =============================================================================

type CarryforwardStore interface {
	CreateCarryforward(ctx context.Context, cf Carryforward) error
	UpdateCarryforward(ctx context.Context, cf Carryforward) error

	// OpenCarryforwards returns an agent's open balances, oldest first.
	// Offsetting always consumes the oldest debt first.
	OpenCarryforwards(ctx context.Context, agentID AgentID) ([]Carryforward, error)

	// CarryforwardsByAgent returns all balances regardless of status.
	CarryforwardsByAgent(ctx context.Context, agentID AgentID) ([]Carryforward, error)
}

// =============================================================================
// EXCLUSION STORE
// =============================================================================

type ExclusionStore interface {
	// AppendExclusion records one exclude/include action. Append-only.
	AppendExclusion(ctx context.Context, ex Exclusion) error

	// ExclusionsByLine returns a line's audit trail, oldest first.
	ExclusionsByLine(ctx context.Context, lineID LineID) ([]Exclusion, error)
}

// =============================================================================
// EVENT STORE - Process-once ledger
// =============================================================================

type EventStore interface {
	// EventSeen checks whether the deterministic event ID was processed.
	EventSeen(ctx context.Context, eventID string) (bool, error)

	// MarkEvent records the event as processed. Written in the same
	// transaction as the mutation it guards.
	MarkEvent(ctx context.Context, ev ProcessedEvent) error
}

// =============================================================================
// BATCH STORE
// =============================================================================

type BatchStore interface {
	// SaveBatch persists a payout batch draft, replacing any prior draft
	// for the same (agent, period).
	SaveBatch(ctx context.Context, batch PayoutBatch) error

	// FindBatch returns the batch for (agent, period), or nil.
	FindBatch(ctx context.Context, agentID AgentID, period Period) (*PayoutBatch, error)
}

// =============================================================================
// AUDIT LOG - Who did what when (append-only, separate from the ledger)
// =============================================================================

type AuditAction string

const (
	AuditLineComputed           AuditAction = "line_computed"
	AuditLinePromoted           AuditAction = "line_promoted"
	AuditLineReversed           AuditAction = "line_reversed"
	AuditLineExcluded           AuditAction = "line_excluded"
	AuditLineIncluded           AuditAction = "line_included"
	AuditCarryforwardOpened     AuditAction = "carryforward_opened"
	AuditCarryforwardApplied    AuditAction = "carryforward_applied"
	AuditCarryforwardSettled    AuditAction = "carryforward_settled"
	AuditRecurrenceGenerated    AuditAction = "recurrence_generated"
	AuditRecurrenceSuspended    AuditAction = "recurrence_suspended"
	AuditRecurrenceResumed      AuditAction = "recurrence_resumed"
	AuditRecurrenceFinished     AuditAction = "recurrence_finished"
	AuditRecurrenceCancelled    AuditAction = "recurrence_cancelled"
	AuditBonusAwarded           AuditAction = "bonus_awarded"
	AuditBatchGenerated         AuditAction = "batch_generated"
	AuditDuplicateEventFiltered AuditAction = "duplicate_event_filtered"
)

// AuditEntry records one engine action for later reconciliation.
type AuditEntry struct {
	ID         string
	Action     AuditAction
	RefID      string
	AgentID    AgentID
	ContractID ContractID
	Period     Period
	Amount     decimal.Decimal
	Actor      string
	Detail     string
	At         time.Time
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

// Store aggregates all persistence interfaces the engine depends on.
type Store interface {
	LineStore
	RecurrenceStore
	CarryforwardStore
	ExclusionStore
	EventStore
	BatchStore
	AuditLog
}

// TxStore wraps Store with transaction support. Handlers run their
// mutation plus the idempotency mark inside one transaction.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
