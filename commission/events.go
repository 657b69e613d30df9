/*
events.go - Inbound event payloads and outbound notifications

PURPOSE:
  The engine is driven by four upstream events. Each carries an EventID
  chosen by the producer; the engine uses it to drop redelivered copies,
  so at-least-once transports are safe to replay against us.

  Outbound notifications go through the Emitter interface. Production
  wires a message producer; tests and the default build use the log
  emitter, which just records what would have been published.
*/
package commission

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ===== INBOUND EVENTS =====

// ContractValidated fires when back-office validation approves a contract.
// This is the trigger for the initial commission computation.
type ContractValidated struct {
	EventID    string
	ContractID ContractID
	AgentID    AgentID

	// Revenue is the contract's gross revenue, the base for percentage
	// scales and for recurring payouts.
	Revenue decimal.Decimal

	// Scale applicability context.
	OrganisationID      string
	ProductType         string
	CompensationProfile string
	CompanyID           string
	SalesChannel        string

	ValidatedAt time.Time
}

// PaymentConfirmed fires when the client's payment clears. The contract's
// pending lines of the named period become payable; the zero period targets
// one-shot sale lines, which carry no period.
type PaymentConfirmed struct {
	EventID    string
	ContractID ContractID
	Period     Period

	// Amount is the cleared payment, carried for reconciliation.
	Amount decimal.Decimal

	PaidAt time.Time
}

// PeriodClosed fires once per calendar month, after the period ends.
// It drives recurrence advancement, tier bonuses and batch generation.
type PeriodClosed struct {
	EventID string
	Period  Period
}

// ContractTerminated fires on early termination and triggers the
// clawback evaluation. ActivatedAt anchors the clawback window; when the
// producer omits it, the contract's first ledger write stands in.
type ContractTerminated struct {
	EventID      string
	ContractID   ContractID
	ActivatedAt  time.Time
	TerminatedAt time.Time
	Reason       string
}

// ===== OUTBOUND NOTIFICATIONS =====

// Notification is what the engine publishes after state changes.
type Notification struct {
	Kind    NotificationKind
	AgentID AgentID
	RefID   string
	Period  Period
	Amount  decimal.Decimal
	At      time.Time
}

type NotificationKind string

const (
	NotifyLineCreated      NotificationKind = "line_created"
	NotifyLineReversed     NotificationKind = "line_reversed"
	NotifyPayoutBatchReady NotificationKind = "payout_batch_ready"
)

// Emitter publishes notifications downstream. Implementations must be
// safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, n Notification) error
}

// LogEmitter writes notifications to the structured log. It is the
// default sink when no message transport is configured.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With().Str("component", "emitter").Logger()}
}

func (e *LogEmitter) Emit(_ context.Context, n Notification) error {
	e.log.Info().
		Str("kind", string(n.Kind)).
		Str("agent", string(n.AgentID)).
		Str("ref", n.RefID).
		Str("period", n.Period.String()).
		Str("amount", n.Amount.StringFixed(2)).
		Msg("Notification emitted")
	return nil
}
