/*
tiers.go - Bonus tier evaluation ("paliers")

PURPOSE:
  Runs once per closed period per agent. Compares the agent's cumulated
  volume/revenue against the scale's tier thresholds and appends bonus lines
  for the awards.

SELECTION RULES:
  - Exclusive tiers compete: only the highest matching threshold awards.
  - Cumulable tiers award independently alongside anything else.
  - PerPeriod tiers look at the closed period's figure, others at the
    lifetime figure.

IDEMPOTENCE:
  The bonus line's idempotency key is derived from
  (agent, scale, period, tier), so re-running evaluation for an
  already-awarded combination is a no-op.
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
)

// TierEvaluator awards bonus lines for threshold tiers.
type TierEvaluator struct {
	ledger *Ledger
	audit  AuditLog
	log    zerolog.Logger
	now    func() time.Time
}

// NewTierEvaluator creates an evaluator over the ledger.
func NewTierEvaluator(ledger *Ledger, audit AuditLog, log zerolog.Logger) *TierEvaluator {
	return &TierEvaluator{
		ledger: ledger,
		audit:  audit,
		log:    log.With().Str("component", "tier-evaluator").Logger(),
		now:    time.Now,
	}
}

// Award is one tier bonus produced by an evaluation.
type Award struct {
	Tier   bareme.Tier
	Figure decimal.Decimal
	Bonus  decimal.Decimal
}

// Figures carries the cumulated values tiers are compared against.
type Figures struct {
	Volume  decimal.Decimal
	Revenue decimal.Decimal
}

// figureFor picks the figure a tier's kind compares against. Product
// bonuses are keyed to revenue as well: upstream reports per-product
// revenue through the same channel.
func (f Figures) figureFor(kind bareme.TierKind) decimal.Decimal {
	if kind == bareme.TierVolume {
		return f.Volume
	}
	return f.Revenue
}

// SelectAwards applies the selection rules to a scale's tiers against
// period and lifetime figures. Pure function, exported for property tests.
func SelectAwards(scale *bareme.Scale, period Figures, lifetime Figures) []Award {
	var awards []Award

	// Cumulable tiers award independently.
	for _, t := range scale.Tiers {
		if !t.Active || !t.Cumulable {
			continue
		}
		fig := lifetime.figureFor(t.Kind)
		if t.PerPeriod {
			fig = period.figureFor(t.Kind)
		}
		if t.Contains(fig) {
			awards = append(awards, Award{Tier: t, Figure: fig, Bonus: t.BonusFor(fig)})
		}
	}

	// Exclusive tiers compete per kind: the highest matching threshold wins.
	byKind := map[bareme.TierKind][]bareme.Tier{}
	for _, t := range scale.Tiers {
		if t.Active && !t.Cumulable {
			byKind[t.Kind] = append(byKind[t.Kind], t)
		}
	}
	for _, tiers := range byKind {
		sort.SliceStable(tiers, func(i, j int) bool {
			return tiers[i].MinThreshold.GreaterThan(tiers[j].MinThreshold)
		})
		for _, t := range tiers {
			fig := lifetime.figureFor(t.Kind)
			if t.PerPeriod {
				fig = period.figureFor(t.Kind)
			}
			if t.Contains(fig) {
				awards = append(awards, Award{Tier: t, Figure: fig, Bonus: t.BonusFor(fig)})
				break
			}
		}
	}
	return awards
}

// Evaluate awards an agent's bonuses for a closed period on one scale.
// Returns the bonus lines appended; already-awarded tiers are skipped.
func (te *TierEvaluator) Evaluate(ctx context.Context, agentID AgentID, scale *bareme.Scale, period Period) ([]Line, error) {
	if len(scale.Tiers) == 0 {
		return nil, nil
	}

	pv, pr, err := te.ledger.AgentPeriodFigures(ctx, agentID, period, false)
	if err != nil {
		return nil, err
	}
	lv, lr, err := te.ledger.AgentPeriodFigures(ctx, agentID, period, true)
	if err != nil {
		return nil, err
	}

	awards := SelectAwards(scale,
		Figures{Volume: decimal.NewFromInt(pv), Revenue: pr},
		Figures{Volume: decimal.NewFromInt(lv), Revenue: lr},
	)

	var lines []Line
	for _, a := range awards {
		if a.Bonus.IsZero() {
			continue
		}
		party := a.Tier.Party
		if party == "" {
			party = PartyCommercial
		}
		line := Line{
			ID:             LineID(uuid.NewString()),
			AgentID:        agentID,
			Period:         period,
			ScaleID:        scale.ID,
			ScaleVersion:   scale.Version,
			BaseAmount:     a.Figure,
			Amount:         a.Bonus.RoundBank(2),
			Party:          party,
			Status:         StatusPayable,
			Kind:           KindBonus,
			ReferenceID:    string(a.Tier.ID),
			Reason:         a.Tier.Name,
			IdempotencyKey: bonusKey(agentID, scale.ID, period, a.Tier.ID),
			CreatedAt:      te.now(),
		}

		err := te.ledger.Append(ctx, line)
		if errors.Is(err, ErrDuplicateLine) {
			// Already awarded for this (agent, scale, period, tier).
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)

		if te.audit != nil {
			_ = te.audit.AppendAudit(ctx, AuditEntry{
				ID:      uuid.NewString(),
				Action:  AuditBonusAwarded,
				RefID:   string(line.ID),
				AgentID: agentID,
				Period:  period,
				Amount:  line.Amount,
				Detail:  a.Tier.Name,
				At:      te.now(),
			})
		}

		te.log.Info().
			Str("agent", string(agentID)).
			Str("tier", string(a.Tier.ID)).
			Str("bonus", line.Amount.String()).
			Str("period", period.String()).
			Msg("Tier bonus awarded")
	}
	return lines, nil
}

func bonusKey(agent AgentID, scale bareme.ScaleID, period Period, tier bareme.TierID) string {
	return fmt.Sprintf("bonus:%s:%s:%s:%s", agent, scale, period, tier)
}
