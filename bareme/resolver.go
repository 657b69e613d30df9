/*
resolver.go - Picks the single applicable scale for a sale

ALGORITHM:
  1. Load all scales of the organisation effective at the sale date
  2. Keep those whose applicability filters match the sale context
     (an unset filter matches anything)
  3. Prefer the most specific match (most filters set), then the highest
     version

  When nothing matches, resolution fails with ErrNoApplicableScale. This is
  deliberate: a silently defaulted scale would corrupt payouts, and every
  commission must be traceable to an explicit rule.
*/
package bareme

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// Resolver selects the applicable scale version for a sale context.
type Resolver struct {
	store Store
	log   zerolog.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		log:   log.With().Str("component", "scale-resolver").Logger(),
	}
}

// Resolve returns the single applicable scale for the sale context at its
// effective date, or an error unwrapping to ErrNoApplicableScale.
func (r *Resolver) Resolve(ctx context.Context, sc SaleContext) (*Scale, error) {
	candidates, err := r.store.Effective(ctx, sc.OrganisationID, sc.EffectiveDate)
	if err != nil {
		return nil, err
	}

	matches := candidates[:0]
	for _, s := range candidates {
		if s.Active && s.Matches(sc) {
			matches = append(matches, s)
		}
	}

	if len(matches) == 0 {
		r.log.Warn().
			Str("org", sc.OrganisationID).
			Str("product", sc.ProductType).
			Str("profile", sc.CompensationProfile).
			Msg("No applicable scale for sale")
		return nil, &NoApplicableScaleError{Context: sc}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		si, sj := matches[i].Specificity(), matches[j].Specificity()
		if si != sj {
			return si > sj
		}
		return matches[i].Version > matches[j].Version
	})

	best := matches[0]
	r.log.Debug().
		Str("scale", string(best.ID)).
		Int("version", best.Version).
		Int("specificity", best.Specificity()).
		Msg("Resolved scale")
	return best, nil
}
