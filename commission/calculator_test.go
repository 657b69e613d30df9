/*
calculator_test.go - Base computation, split and carryforward offset tests

COVERS:
  - Raw amount per calculation mode
  - Exact-cent 4-way split with remainder on the company share
  - Zero shares producing no line
  - Precompte vs. pending status
  - Carryforward absorption (partial, full, settlement)
  - Idempotent append (duplicate key rejected)
*/
package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// ===== TEST SETUP =====

func newTestCalculator(t *testing.T) (*commission.Calculator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := commission.NewLedger(mem)
	return commission.NewCalculator(ledger, mem, mem, zerolog.Nop()), mem
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// pctScale returns a 10% revenue scale with the standard 70/10/10/10 split.
func pctScale() *bareme.Scale {
	return &bareme.Scale{
		ID:             "bar-standard",
		OrganisationID: "org-1",
		Mode:           bareme.CalcPercentage,
		Base:           bareme.BaseRevenue,
		Rate:           decimal.NewFromInt(10),
		Split:          bareme.NewSplit(70, 10, 10, 10),
		Version:        1,
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         true,
	}
}

func saleInput(scale *bareme.Scale, base string) commission.CalcInput {
	return commission.CalcInput{
		Scale:          scale,
		AgentID:        "agent-1",
		ContractID:     "ctr-1",
		Base:           dec(base),
		Kind:           commission.KindSale,
		IdempotencyKey: "sale:ctr-1",
	}
}

func sumLines(lines []commission.Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// ===== RAW AMOUNT TESTS =====

func TestRawAmount_PerMode(t *testing.T) {
	// GIVEN a percentage scale at 10%
	scale := pctScale()
	assert.True(t, commission.RawAmount(scale, dec("1200")).Equal(dec("120")))

	// GIVEN a fixed scale
	scale.Mode = bareme.CalcFixed
	scale.FixedAmount = dec("150.00")
	assert.True(t, commission.RawAmount(scale, dec("1200")).Equal(dec("150.00")), "fixed mode ignores the base")

	// GIVEN a mixed scale with a rate set, the rate wins
	scale.Mode = bareme.CalcMixed
	assert.True(t, commission.RawAmount(scale, dec("1200")).Equal(dec("120")))

	// GIVEN a mixed scale without a rate, the fixed amount applies
	scale.Rate = decimal.Zero
	assert.True(t, commission.RawAmount(scale, dec("1200")).Equal(dec("150.00")))
}

// ===== SPLIT TESTS =====

func TestCalculate_SplitsAcrossFourParties(t *testing.T) {
	// GIVEN a 1000 revenue sale at 10% with a 70/10/10/10 split
	calc, mem := newTestCalculator(t)

	res, err := calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))

	// THEN four lines are appended, summing to exactly 100.00
	require.NoError(t, err)
	require.Len(t, res.Lines, 4)
	assert.True(t, res.Net.Equal(dec("100")))
	assert.True(t, sumLines(res.Lines).Equal(dec("100.00")))

	byParty := map[commission.Party]decimal.Decimal{}
	for _, l := range res.Lines {
		byParty[l.Party] = l.Amount
		assert.Equal(t, commission.StatusPending, l.Status, "non-precompte lines start pending")
		assert.Equal(t, commission.KindSale, l.Kind)
	}
	assert.True(t, byParty[commission.PartyCommercial].Equal(dec("70.00")))
	assert.True(t, byParty[commission.PartyManager].Equal(dec("10.00")))
	assert.True(t, byParty[commission.PartyAgency].Equal(dec("10.00")))
	assert.True(t, byParty[commission.PartyCompany].Equal(dec("10.00")))

	// AND the persisted lines match what was returned
	stored, err := mem.LinesByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestCalculate_RoundingRemainderGoesToCompany(t *testing.T) {
	// GIVEN a net amount whose shares do not round cleanly:
	// 100.01 split 70/10/10/10 -> 70.01 + 10.00 + 10.00 + 10.00 = 100.01
	calc, _ := newTestCalculator(t)
	in := saleInput(pctScale(), "1000.10")

	res, err := calc.Calculate(context.Background(), in)
	require.NoError(t, err)

	// THEN the four shares still sum to the rounded net exactly
	assert.True(t, sumLines(res.Lines).Equal(res.Net.RoundBank(2)),
		"shares must sum to the net with no leaked cent")

	var company decimal.Decimal
	for _, l := range res.Lines {
		if l.Party == commission.PartyCompany {
			company = l.Amount
		}
	}
	// 70% of 100.01 banker's-rounds to 70.01; the company absorbs the rest.
	assert.True(t, company.Equal(dec("10.00")), "got %s", company)
}

func TestCalculate_ZeroShareProducesNoLine(t *testing.T) {
	// GIVEN a split that pays the commercial everything
	calc, _ := newTestCalculator(t)
	scale := pctScale()
	scale.Split = bareme.NewSplit(100, 0, 0, 0)

	res, err := calc.Calculate(context.Background(), saleInput(scale, "1000"))
	require.NoError(t, err)

	// THEN only one line exists
	require.Len(t, res.Lines, 1)
	assert.Equal(t, commission.PartyCommercial, res.Lines[0].Party)
	assert.True(t, res.Lines[0].Amount.Equal(dec("100.00")))
}

func TestCalculate_PrecompteIsPayableImmediately(t *testing.T) {
	// GIVEN a precompte scale
	calc, _ := newTestCalculator(t)
	scale := pctScale()
	scale.Precompte = true

	res, err := calc.Calculate(context.Background(), saleInput(scale, "1000"))
	require.NoError(t, err)

	// THEN every line skips the pending stage
	for _, l := range res.Lines {
		assert.Equal(t, commission.StatusPayable, l.Status)
	}
}

// ===== CARRYFORWARD OFFSET TESTS =====

func TestCalculate_PartialCarryforwardAbsorption(t *testing.T) {
	// GIVEN an agent owing 40 from an earlier clawback
	calc, mem := newTestCalculator(t)
	require.NoError(t, mem.CreateCarryforward(context.Background(), commission.Carryforward{
		ID:              "cf-1",
		AgentID:         "agent-1",
		InitialAmount:   dec("40"),
		RemainingAmount: dec("40"),
		Status:          commission.CarryforwardOpen,
		CreatedAt:       time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	// WHEN a 100 commission is computed
	res, err := calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))
	require.NoError(t, err)

	// THEN the debt absorbs 40 and 60 is split
	assert.True(t, res.Offset.Equal(dec("40")))
	assert.True(t, res.Net.Equal(dec("60")))
	assert.True(t, sumLines(res.Lines).Equal(dec("60.00")))

	// AND the carryforward is settled
	cfs, err := mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, cfs, 1)
	assert.Equal(t, commission.CarryforwardSettled, cfs[0].Status)
	assert.True(t, cfs[0].RemainingAmount.IsZero())
}

func TestCalculate_FullAbsorptionLeavesNoLines(t *testing.T) {
	// GIVEN a debt larger than the commission
	calc, mem := newTestCalculator(t)
	require.NoError(t, mem.CreateCarryforward(context.Background(), commission.Carryforward{
		ID:              "cf-1",
		AgentID:         "agent-1",
		InitialAmount:   dec("250"),
		RemainingAmount: dec("250"),
		Status:          commission.CarryforwardOpen,
		CreatedAt:       time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	// WHEN a 100 commission is computed
	res, err := calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))
	require.NoError(t, err)

	// THEN no line is produced and the debt is reduced, still open
	assert.Empty(t, res.Lines)
	assert.True(t, res.Offset.Equal(dec("100")))

	cfs, err := mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, cfs, 1)
	assert.Equal(t, commission.CarryforwardOpen, cfs[0].Status)
	assert.True(t, cfs[0].RemainingAmount.Equal(dec("150")))
}

func TestCalculate_OldestDebtIsConsumedFirst(t *testing.T) {
	// GIVEN two open debts created a month apart
	calc, mem := newTestCalculator(t)
	require.NoError(t, mem.CreateCarryforward(context.Background(), commission.Carryforward{
		ID: "cf-new", AgentID: "agent-1",
		InitialAmount: dec("80"), RemainingAmount: dec("80"),
		Status:    commission.CarryforwardOpen,
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, mem.CreateCarryforward(context.Background(), commission.Carryforward{
		ID: "cf-old", AgentID: "agent-1",
		InitialAmount: dec("80"), RemainingAmount: dec("80"),
		Status:    commission.CarryforwardOpen,
		CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	// WHEN a 100 commission is absorbed
	res, err := calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))
	require.NoError(t, err)
	assert.True(t, res.Offset.Equal(dec("100")))

	// THEN the older debt is settled and the newer one only dented
	cfs, err := mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	byID := map[commission.CarryforwardID]commission.Carryforward{}
	for _, cf := range cfs {
		byID[cf.ID] = cf
	}
	assert.Equal(t, commission.CarryforwardSettled, byID["cf-old"].Status)
	assert.True(t, byID["cf-new"].RemainingAmount.Equal(dec("60")))
}

// ===== IDEMPOTENCY TESTS =====

func TestCalculate_DuplicateKeyIsRejected(t *testing.T) {
	// GIVEN a sale already computed under the same idempotency key
	calc, mem := newTestCalculator(t)
	_, err := calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))
	require.NoError(t, err)

	// WHEN the same input is computed again
	_, err = calc.Calculate(context.Background(), saleInput(pctScale(), "1000"))

	// THEN the append fails and no extra lines exist
	require.Error(t, err)
	assert.ErrorIs(t, err, commission.ErrDuplicateLine)

	lines, err := mem.LinesByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, lines, 4)
}
