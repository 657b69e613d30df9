/*
validate.go - Write-time scale validation

PURPOSE:
  Every scale write goes through Validate before it is persisted. A scale
  that fails here never reaches the calculator, so the engine can assume
  configuration invariants hold and does not re-check them per sale.

CHECKED INVARIANTS:
  - split percentages sum to exactly 100 (no partial allocation)
  - EffectiveFrom < EffectiveTo when EffectiveTo is set
  - RecurrenceMonths > 0 and RecurrenceRate > 0 when RecurrenceActive
  - mode-specific inputs present (fixed amount / rate)
  - exclusive tiers on the same scale have non-overlapping ranges
*/
package bareme

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Validate checks all configuration invariants of a scale and its tiers.
// Returns an error unwrapping to ErrInvalidScaleConfiguration on the first
// violation found.
func (s *Scale) Validate() error {
	if !s.Split.Sum().Equal(hundred) {
		return &SplitSumError{ScaleID: s.ID, Sum: s.Split.Sum()}
	}

	if s.EffectiveTo != nil && !s.EffectiveFrom.Before(*s.EffectiveTo) {
		return &ValidationError{ScaleID: s.ID, Field: "effective_to", Detail: "must be after effective_from"}
	}

	switch s.Mode {
	case CalcFixed:
		if s.FixedAmount.IsZero() {
			return &ValidationError{ScaleID: s.ID, Field: "fixed_amount", Detail: "required for fixed mode"}
		}
	case CalcPercentage:
		if s.Rate.IsZero() {
			return &ValidationError{ScaleID: s.ID, Field: "rate", Detail: "required for percentage mode"}
		}
	case CalcMixed:
		if s.Rate.IsZero() && s.FixedAmount.IsZero() {
			return &ValidationError{ScaleID: s.ID, Field: "rate", Detail: "mixed mode needs a rate or a fixed amount"}
		}
	default:
		return &ValidationError{ScaleID: s.ID, Field: "mode", Detail: "unknown calculation mode"}
	}

	if s.RecurrenceActive {
		if s.RecurrenceMonths <= 0 {
			return &ValidationError{ScaleID: s.ID, Field: "recurrence_months", Detail: "must be > 0 when recurrence is active"}
		}
		if s.RecurrenceRate.IsZero() || s.RecurrenceRate.IsNegative() {
			return &ValidationError{ScaleID: s.ID, Field: "recurrence_rate", Detail: "must be > 0 when recurrence is active"}
		}
	}

	if s.ClawbackWindowMonths < 0 {
		return &ValidationError{ScaleID: s.ID, Field: "clawback_window_months", Detail: "must be >= 0"}
	}
	if s.ClawbackRate.IsNegative() || s.ClawbackRate.GreaterThan(hundred) {
		return &ValidationError{ScaleID: s.ID, Field: "clawback_rate", Detail: "must be within [0, 100]"}
	}

	return s.validateTiers()
}

// validateTiers rejects overlapping ranges among exclusive tiers of the same
// kind. Cumulable tiers may overlap freely.
func (s *Scale) validateTiers() error {
	for i := range s.Tiers {
		a := &s.Tiers[i]
		if a.MinThreshold.IsNegative() {
			return &ValidationError{ScaleID: s.ID, Field: "tier " + string(a.ID), Detail: "min threshold must be >= 0"}
		}
		if a.MaxThreshold != nil && !a.MinThreshold.LessThan(*a.MaxThreshold) {
			return &ValidationError{ScaleID: s.ID, Field: "tier " + string(a.ID), Detail: "max threshold must exceed min"}
		}
		if a.Cumulable || !a.Active {
			continue
		}
		for j := i + 1; j < len(s.Tiers); j++ {
			b := &s.Tiers[j]
			if b.Cumulable || !b.Active || a.Kind != b.Kind {
				continue
			}
			if rangesOverlap(a, b) {
				return &ValidationError{
					ScaleID: s.ID,
					Field:   "tiers " + string(a.ID) + "/" + string(b.ID),
					Detail:  "exclusive tiers must not overlap",
				}
			}
		}
	}
	return nil
}

// rangesOverlap checks two half-open ranges [min, max) for intersection.
func rangesOverlap(a, b *Tier) bool {
	// a entirely below b
	if a.MaxThreshold != nil && !b.MinThreshold.LessThan(*a.MaxThreshold) {
		return false
	}
	// b entirely below a
	if b.MaxThreshold != nil && !a.MinThreshold.LessThan(*b.MaxThreshold) {
		return false
	}
	return true
}
