/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All monetary fields travel as decimal strings ("1234.56"), never floats.
  Parsing failures are client errors.

SEE ALSO:
  - handlers.go: Uses these types
  - bareme/types.go: Scale domain model
*/
package api

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// EVENT REQUESTS
// =============================================================================

// ContractValidatedRequest is the intake payload for a validated contract.
type ContractValidatedRequest struct {
	EventID             string `json:"event_id"`
	ContractID          string `json:"contract_id"`
	AgentID             string `json:"agent_id"`
	Revenue             string `json:"revenue"`
	OrganisationID      string `json:"organisation_id"`
	ProductType         string `json:"product_type,omitempty"`
	CompensationProfile string `json:"compensation_profile,omitempty"`
	CompanyID           string `json:"company_id,omitempty"`
	SalesChannel        string `json:"sales_channel,omitempty"`
	ValidatedAt         string `json:"validated_at"` // RFC3339
}

// PaymentConfirmedRequest marks a contract's payment as cleared. Period
// scopes the promotion to that month's lines; omit it for one-shot sales.
type PaymentConfirmedRequest struct {
	EventID    string `json:"event_id"`
	ContractID string `json:"contract_id"`
	Period     string `json:"period,omitempty"` // "2025-03"
	Amount     string `json:"amount,omitempty"`
	PaidAt     string `json:"paid_at,omitempty"`
}

// PeriodClosedRequest triggers the monthly close.
type PeriodClosedRequest struct {
	EventID string `json:"event_id"`
	Period  string `json:"period"` // "2025-03"
}

// ContractTerminatedRequest reports an early termination. ActivatedAt
// anchors the clawback window; without it the engine falls back to the
// contract's first ledger write.
type ContractTerminatedRequest struct {
	EventID      string `json:"event_id"`
	ContractID   string `json:"contract_id"`
	ActivatedAt  string `json:"activated_at,omitempty"` // RFC3339
	TerminatedAt string `json:"terminated_at"`          // RFC3339
	Reason       string `json:"reason,omitempty"`
}

// =============================================================================
// SCALE REQUESTS/RESPONSES
// =============================================================================

// ScaleRequest creates a new scale version.
type ScaleRequest struct {
	ID                  string `json:"id"`
	OrganisationID      string `json:"organisation_id"`
	Code                string `json:"code,omitempty"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Mode                string `json:"mode"` // fixed | percentage | mixed
	Base                string `json:"base,omitempty"`
	FixedAmount         string `json:"fixed_amount,omitempty"`
	Rate                string `json:"rate,omitempty"`
	Precompte           bool   `json:"precompte"`
	RecurrenceActive    bool   `json:"recurrence_active"`
	RecurrenceRate      string `json:"recurrence_rate,omitempty"`
	RecurrenceMonths    int    `json:"recurrence_months,omitempty"`
	ClawbackWindow      int    `json:"clawback_window_months,omitempty"`
	ClawbackRate        string `json:"clawback_rate,omitempty"`
	ProductType         string `json:"product_type,omitempty"`
	CompensationProfile string `json:"compensation_profile,omitempty"`
	CompanyID           string `json:"company_id,omitempty"`
	SalesChannel        string `json:"sales_channel,omitempty"`
	EffectiveFrom       string `json:"effective_from,omitempty"` // RFC3339
	EffectiveTo         string `json:"effective_to,omitempty"`
	Active              *bool  `json:"active,omitempty"` // default true

	Split SplitDTO  `json:"split"`
	Tiers []TierDTO `json:"tiers,omitempty"`
}

// SplitDTO carries the four party percentages; they must sum to 100.
type SplitDTO struct {
	Commercial string `json:"commercial"`
	Manager    string `json:"manager"`
	Agency     string `json:"agency"`
	Company    string `json:"company"`
}

// TierDTO is one bonus tier in a scale payload.
type TierDTO struct {
	ScaleID      string `json:"-"`
	Code         string `json:"code,omitempty"`
	Name         string `json:"name,omitempty"`
	Kind         string `json:"kind"` // volume | revenue | product_bonus
	MinThreshold string `json:"min_threshold"`
	MaxThreshold string `json:"max_threshold,omitempty"` // empty = unbounded
	BonusAmount  string `json:"bonus_amount,omitempty"`
	BonusRate    string `json:"bonus_rate,omitempty"`
	Cumulable    bool   `json:"cumulable"`
	PerPeriod    bool   `json:"per_period"`
	Party        string `json:"party,omitempty"`
	Active       *bool  `json:"active,omitempty"`
}

// ScaleDTO is the response form of a scale version.
type ScaleDTO struct {
	ID               string    `json:"id"`
	Version          int       `json:"version"`
	OrganisationID   string    `json:"organisation_id"`
	Code             string    `json:"code,omitempty"`
	Name             string    `json:"name"`
	Mode             string    `json:"mode"`
	FixedAmount      string    `json:"fixed_amount,omitempty"`
	Rate             string    `json:"rate,omitempty"`
	Precompte        bool      `json:"precompte"`
	RecurrenceActive bool      `json:"recurrence_active"`
	RecurrenceRate   string    `json:"recurrence_rate,omitempty"`
	RecurrenceMonths int       `json:"recurrence_months,omitempty"`
	ClawbackWindow   int       `json:"clawback_window_months,omitempty"`
	ClawbackRate     string    `json:"clawback_rate,omitempty"`
	Active           bool      `json:"active"`
	Split            SplitDTO  `json:"split"`
	Tiers            []TierDTO `json:"tiers,omitempty"`
	CreatedAt        string    `json:"created_at,omitempty"`
}

// =============================================================================
// LINE / LEDGER RESPONSES
// =============================================================================

// LineDTO is one commission line in API responses.
type LineDTO struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	ContractID   string `json:"contract_id"`
	Period       string `json:"period,omitempty"`
	ScaleID      string `json:"scale_id,omitempty"`
	ScaleVersion int    `json:"scale_version,omitempty"`
	BaseAmount   string `json:"base_amount"`
	Amount       string `json:"amount"`
	Party        string `json:"party"`
	Status       string `json:"status"`
	Kind         string `json:"kind"`
	ReferenceID  string `json:"reference_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// CarryforwardDTO is one negative balance in API responses.
type CarryforwardDTO struct {
	ID              string `json:"id"`
	AgentID         string `json:"agent_id"`
	OriginPeriod    string `json:"origin_period"`
	InitialAmount   string `json:"initial_amount"`
	RemainingAmount string `json:"remaining_amount"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

// BatchDTO is one payout batch in API responses.
type BatchDTO struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Period        string    `json:"period"`
	Lines         []LineDTO `json:"lines"`
	TotalGross    string    `json:"total_gross"`
	TotalClawback string    `json:"total_clawback"`
	TotalNet      string    `json:"total_net"`
	GeneratedAt   string    `json:"generated_at"`
}

// OverrideRequest excludes or re-includes a line.
type OverrideRequest struct {
	Reason string `json:"reason"`
	Author string `json:"author"`
}

// AuditEntryDTO is one audit trail entry.
type AuditEntryDTO struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	RefID      string `json:"ref_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	ContractID string `json:"contract_id,omitempty"`
	Period     string `json:"period,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Detail     string `json:"detail,omitempty"`
	At         string `json:"at"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLineDTO(line commission.Line) LineDTO {
	dto := LineDTO{
		ID:           string(line.ID),
		AgentID:      string(line.AgentID),
		ContractID:   string(line.ContractID),
		ScaleID:      string(line.ScaleID),
		ScaleVersion: line.ScaleVersion,
		BaseAmount:   line.BaseAmount.StringFixed(2),
		Amount:       line.Amount.StringFixed(2),
		Party:        string(line.Party),
		Status:       string(line.Status),
		Kind:         string(line.Kind),
		ReferenceID:  line.ReferenceID,
		Reason:       line.Reason,
		CreatedAt:    line.CreatedAt.Format(timeFormat),
	}
	if !line.Period.IsZero() {
		dto.Period = line.Period.String()
	}
	return dto
}

func toLineDTOs(lines []commission.Line) []LineDTO {
	dtos := make([]LineDTO, len(lines))
	for i, line := range lines {
		dtos[i] = toLineDTO(line)
	}
	return dtos
}

func toCarryforwardDTO(cf commission.Carryforward) CarryforwardDTO {
	return CarryforwardDTO{
		ID:              string(cf.ID),
		AgentID:         string(cf.AgentID),
		OriginPeriod:    cf.OriginPeriod.String(),
		InitialAmount:   cf.InitialAmount.StringFixed(2),
		RemainingAmount: cf.RemainingAmount.StringFixed(2),
		Status:          string(cf.Status),
		Reason:          cf.Reason,
	}
}

func toBatchDTO(batch *commission.PayoutBatch) BatchDTO {
	return BatchDTO{
		ID:            batch.ID,
		AgentID:       string(batch.AgentID),
		Period:        batch.Period.String(),
		Lines:         toLineDTOs(batch.Lines),
		TotalGross:    batch.TotalGross.StringFixed(2),
		TotalClawback: batch.TotalClawback.StringFixed(2),
		TotalNet:      batch.TotalNet.StringFixed(2),
		GeneratedAt:   batch.GeneratedAt.Format(timeFormat),
	}
}

func toAuditDTO(entry commission.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:         entry.ID,
		Action:     string(entry.Action),
		RefID:      entry.RefID,
		AgentID:    string(entry.AgentID),
		ContractID: string(entry.ContractID),
		Actor:      entry.Actor,
		Detail:     entry.Detail,
		At:         entry.At.Format(timeFormat),
	}
	if !entry.Period.IsZero() {
		dto.Period = entry.Period.String()
	}
	if !entry.Amount.IsZero() {
		dto.Amount = entry.Amount.StringFixed(2)
	}
	return dto
}

func toScaleDTO(scale *bareme.Scale) ScaleDTO {
	dto := ScaleDTO{
		ID:               string(scale.ID),
		Version:          scale.Version,
		OrganisationID:   scale.OrganisationID,
		Code:             scale.Code,
		Name:             scale.Name,
		Mode:             string(scale.Mode),
		Precompte:        scale.Precompte,
		RecurrenceActive: scale.RecurrenceActive,
		RecurrenceMonths: scale.RecurrenceMonths,
		ClawbackWindow:   scale.ClawbackWindowMonths,
		Active:           scale.Active,
		Split: SplitDTO{
			Commercial: scale.Split.Commercial.String(),
			Manager:    scale.Split.Manager.String(),
			Agency:     scale.Split.Agency.String(),
			Company:    scale.Split.Company.String(),
		},
	}
	if !scale.FixedAmount.IsZero() {
		dto.FixedAmount = scale.FixedAmount.String()
	}
	if !scale.Rate.IsZero() {
		dto.Rate = scale.Rate.String()
	}
	if !scale.RecurrenceRate.IsZero() {
		dto.RecurrenceRate = scale.RecurrenceRate.String()
	}
	if !scale.ClawbackRate.IsZero() {
		dto.ClawbackRate = scale.ClawbackRate.String()
	}
	if !scale.CreatedAt.IsZero() {
		dto.CreatedAt = scale.CreatedAt.Format(timeFormat)
	}
	for _, tier := range scale.Tiers {
		dto.Tiers = append(dto.Tiers, toTierDTO(tier))
	}
	return dto
}

func toTierDTO(tier bareme.Tier) TierDTO {
	active := tier.Active
	dto := TierDTO{
		Code:         tier.Code,
		Name:         tier.Name,
		Kind:         string(tier.Kind),
		MinThreshold: tier.MinThreshold.String(),
		Cumulable:    tier.Cumulable,
		PerPeriod:    tier.PerPeriod,
		Party:        string(tier.Party),
		Active:       &active,
	}
	if tier.MaxThreshold != nil {
		dto.MaxThreshold = tier.MaxThreshold.String()
	}
	if !tier.BonusAmount.IsZero() {
		dto.BonusAmount = tier.BonusAmount.String()
	}
	if !tier.BonusRate.IsZero() {
		dto.BonusRate = tier.BonusRate.String()
	}
	return dto
}

// parseDecimal parses a required decimal field.
func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, value)
	}
	return d, nil
}
