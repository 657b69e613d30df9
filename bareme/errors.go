/*
errors.go - Error types for scale configuration and resolution

ERROR CATEGORIES:
  1. Resolution errors - no rule matched a sale (hard stop, never defaulted)
  2. Validation errors - rejected at scale-write time, never reach the engine
  3. Store errors - missing or immutable records

USAGE:
  Callers branch with errors.Is:

    if errors.Is(err, bareme.ErrNoApplicableScale) {
        // surface to operators; do not retry
    }
*/
package bareme

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNoApplicableScale is returned when no scale matches a sale context.
	// This is fatal for the sale: commission must always be traceable to an
	// explicit rule, so resolution never falls back to a default.
	ErrNoApplicableScale = errors.New("no applicable scale")

	// ErrInvalidScaleConfiguration is returned when a scale fails write-time
	// validation (split not 100, recurrence months missing, ...).
	ErrInvalidScaleConfiguration = errors.New("invalid scale configuration")

	// ErrScaleNotFound is returned when a referenced (id, version) does not exist.
	ErrScaleNotFound = errors.New("scale not found")

	// ErrScaleVersionExists is returned when a write targets an already
	// persisted (id, version) pair. Versions are immutable; edits must
	// create a new version.
	ErrScaleVersionExists = errors.New("scale version already exists")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports one failed configuration invariant.
type ValidationError struct {
	ScaleID ScaleID
	Field   string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scale %s: %s %s", e.ScaleID, e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidScaleConfiguration }

// SplitSumError reports a 4-way split that does not total 100.
type SplitSumError struct {
	ScaleID ScaleID
	Sum     decimal.Decimal
}

func (e *SplitSumError) Error() string {
	return fmt.Sprintf("invalid scale %s: split percentages sum to %s, want 100", e.ScaleID, e.Sum)
}

func (e *SplitSumError) Unwrap() error { return ErrInvalidScaleConfiguration }

// NoApplicableScaleError carries the sale context that failed resolution.
type NoApplicableScaleError struct {
	Context SaleContext
}

func (e *NoApplicableScaleError) Error() string {
	return fmt.Sprintf("no applicable scale for org=%s product=%s profile=%s company=%s channel=%s at %s",
		e.Context.OrganisationID, e.Context.ProductType, e.Context.CompensationProfile,
		e.Context.CompanyID, e.Context.SalesChannel, e.Context.EffectiveDate.Format("2006-01-02"))
}

func (e *NoApplicableScaleError) Unwrap() error { return ErrNoApplicableScale }

// IsClientError returns true if the error is due to invalid configuration input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidScaleConfiguration) ||
		errors.Is(err, ErrScaleVersionExists)
}
