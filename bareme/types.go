/*
Package bareme defines the commission rule configuration: scales ("baremes")
and their bonus tiers ("paliers").

PURPOSE:
  A Scale is the complete ruleset for commissioning one kind of sale: how the
  base amount is computed (fixed vs. percentage), whether the payout is
  advanced or spread over a recurrence stream, how far back a clawback can
  reach, and how the result is split between the four paid parties.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scale: One versioned commission rule configuration
  - Tier: A volume/revenue threshold that awards a bonus
  - Split: The 4-way revenue split (must total exactly 100)
  - SaleContext: The sale attributes a scale is matched against

DESIGN PRINCIPLES:
  1. Immutability: a (ScaleID, Version) pair is never edited once written.
     Edits create a new version; computed commissions keep the exact version
     they were priced with, so recomputation is reproducible forever.
  2. Precision: decimal.Decimal for every amount and rate.
  3. Explicit matching: an unset applicability filter matches anything;
     resolution never silently defaults when nothing matches.

SEE ALSO:
  - validate.go: Write-time configuration validation
  - resolver.go: Picks the single applicable scale for a sale
  - store.go: Versioned persistence interface
*/
package bareme

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ScaleID string
type TierID string

// =============================================================================
// ENUMS
// =============================================================================

// CalcMode determines how the gross commission amount is computed.
type CalcMode string

const (
	CalcFixed      CalcMode = "fixed"      // flat amount per sale
	CalcPercentage CalcMode = "percentage" // rate applied to the revenue base
	CalcMixed      CalcMode = "mixed"      // percentage when a rate is set, fixed otherwise
)

// CalcBase identifies which figure the percentage applies to.
type CalcBase string

const (
	BaseFlat    CalcBase = "flat"
	BaseRevenue CalcBase = "revenue"
)

// TierKind determines which cumulative figure a tier threshold is compared to.
type TierKind string

const (
	TierVolume       TierKind = "volume"        // number of validated sales
	TierRevenue      TierKind = "revenue"       // cumulated revenue
	TierProductBonus TierKind = "product_bonus" // per-product incentive
)

// Party is one of the four payout recipients of a split.
type Party string

const (
	PartyCommercial Party = "commercial"
	PartyManager    Party = "manager"
	PartyAgency     Party = "agency"
	PartyCompany    Party = "company"
)

// Parties lists the split recipients in payout order. The company share is
// last because it absorbs the rounding remainder.
var Parties = []Party{PartyCommercial, PartyManager, PartyAgency, PartyCompany}

// =============================================================================
// SPLIT - 4-way revenue split
// =============================================================================

// Split holds the percentage of a commission owed to each party.
// The four percentages must sum to exactly 100.
type Split struct {
	Commercial decimal.Decimal
	Manager    decimal.Decimal
	Agency     decimal.Decimal
	Company    decimal.Decimal
}

// NewSplit builds a Split from plain percentages.
func NewSplit(commercial, manager, agency, company float64) Split {
	return Split{
		Commercial: decimal.NewFromFloat(commercial),
		Manager:    decimal.NewFromFloat(manager),
		Agency:     decimal.NewFromFloat(agency),
		Company:    decimal.NewFromFloat(company),
	}
}

// Pct returns the percentage owed to a party.
func (s Split) Pct(p Party) decimal.Decimal {
	switch p {
	case PartyCommercial:
		return s.Commercial
	case PartyManager:
		return s.Manager
	case PartyAgency:
		return s.Agency
	case PartyCompany:
		return s.Company
	default:
		return decimal.Zero
	}
}

// Sum returns the total of the four percentages.
func (s Split) Sum() decimal.Decimal {
	return s.Commercial.Add(s.Manager).Add(s.Agency).Add(s.Company)
}

// =============================================================================
// SCALE - One versioned commission rule ("bareme")
// =============================================================================

// Scale is one version of a commission rule configuration.
//
// INVARIANTS (enforced by Validate, checked again by the store on write):
//   - Split percentages sum to exactly 100
//   - EffectiveFrom < EffectiveTo when EffectiveTo is set
//   - RecurrenceMonths > 0 whenever RecurrenceActive
//
// A written (ID, Version) pair is immutable. Referenced versions are kept
// forever so historical lines can be re-derived.
type Scale struct {
	ID             ScaleID
	OrganisationID string
	Code           string
	Name           string
	Description    string

	Mode CalcMode
	Base CalcBase

	// Mode inputs. FixedAmount for CalcFixed, Rate (percent) for
	// CalcPercentage; CalcMixed prefers Rate when set.
	FixedAmount decimal.Decimal
	Rate        decimal.Decimal

	// Precompte: the commission is payable immediately rather than held
	// pending until settlement.
	Precompte bool

	// Recurrence stream configuration. When active, the commission is
	// spread: each closed period pays RecurrenceRate percent of the
	// contract's reference revenue, for RecurrenceMonths periods.
	RecurrenceActive bool
	RecurrenceRate   decimal.Decimal
	RecurrenceMonths int

	// Clawback window and rate. A contract terminated within
	// ClawbackWindowMonths of activation triggers a reversal of
	// ClawbackRate percent of what was paid.
	ClawbackWindowMonths int
	ClawbackRate         decimal.Decimal

	// Applicability filters. An empty value matches any sale.
	ProductType         string
	CompensationProfile string
	CompanyID           string
	SalesChannel        string

	Split Split

	Version       int
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended
	Active        bool

	Tiers []Tier

	// Audit fields
	CreatedBy    string
	ChangeReason string
	CreatedAt    time.Time
}

// DefaultClawbackRate applies when a scale omits its clawback rate.
var DefaultClawbackRate = decimal.NewFromInt(100)

// EffectiveAt reports whether the scale's validity interval
// [EffectiveFrom, EffectiveTo) contains t.
func (s *Scale) EffectiveAt(t time.Time) bool {
	if t.Before(s.EffectiveFrom) {
		return false
	}
	if s.EffectiveTo != nil && !t.Before(*s.EffectiveTo) {
		return false
	}
	return true
}

// Specificity counts the applicability filters that are set. The resolver
// prefers the most specific matching scale.
func (s *Scale) Specificity() int {
	n := 0
	for _, f := range []string{s.ProductType, s.CompensationProfile, s.CompanyID, s.SalesChannel} {
		if f != "" {
			n++
		}
	}
	return n
}

// Matches reports whether the scale's filters accept the sale context.
// An unset filter matches anything.
func (s *Scale) Matches(sc SaleContext) bool {
	if s.ProductType != "" && s.ProductType != sc.ProductType {
		return false
	}
	if s.CompensationProfile != "" && s.CompensationProfile != sc.CompensationProfile {
		return false
	}
	if s.CompanyID != "" && s.CompanyID != sc.CompanyID {
		return false
	}
	if s.SalesChannel != "" && s.SalesChannel != sc.SalesChannel {
		return false
	}
	return true
}

// =============================================================================
// TIER - Bonus threshold ("palier")
// =============================================================================

// Tier awards a bonus when an agent's cumulated figure falls inside the
// half-open range [MinThreshold, MaxThreshold).
type Tier struct {
	ID      TierID
	ScaleID ScaleID
	Code    string
	Name    string

	Kind TierKind

	MinThreshold decimal.Decimal
	MaxThreshold *decimal.Decimal // nil = unbounded

	// Award: flat amount and/or rate applied to the evaluated figure.
	BonusAmount decimal.Decimal
	BonusRate   decimal.Decimal

	// Cumulable tiers award alongside other matching tiers; exclusive tiers
	// compete and only the highest matching one awards.
	Cumulable bool

	// PerPeriod tiers are evaluated on the closed period's figure;
	// otherwise on the lifetime figure.
	PerPeriod bool

	// Party overrides the bonus recipient. Empty = commercial.
	Party Party

	Order  int
	Active bool
}

// Contains reports whether v falls inside [MinThreshold, MaxThreshold).
func (t *Tier) Contains(v decimal.Decimal) bool {
	if v.LessThan(t.MinThreshold) {
		return false
	}
	if t.MaxThreshold != nil && !v.LessThan(*t.MaxThreshold) {
		return false
	}
	return true
}

// BonusFor returns the award for an evaluated figure: the flat amount plus
// BonusRate percent of the figure.
func (t *Tier) BonusFor(v decimal.Decimal) decimal.Decimal {
	bonus := t.BonusAmount
	if !t.BonusRate.IsZero() {
		bonus = bonus.Add(v.Mul(t.BonusRate).Div(decimal.NewFromInt(100)))
	}
	return bonus
}

// =============================================================================
// SALE CONTEXT - What a scale is resolved against
// =============================================================================

// SaleContext carries the sale attributes relevant to scale resolution.
type SaleContext struct {
	OrganisationID      string
	ProductType         string
	CompensationProfile string
	CompanyID           string
	SalesChannel        string
	EffectiveDate       time.Time
}
