/*
recurrence_test.go - Recurring stream lifecycle tests

COVERS:
  - Open creates an active instance without any upfront line
  - Advance generates one period at the recurrence rate, then finishes
  - Same-period re-delivery is a no-op
  - Suspend / resume / cancel transitions and their guards
*/
package commission_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// ===== TEST SETUP =====

func newTestRecurrence(t *testing.T) (*commission.Recurrence, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := commission.NewLedger(mem)
	calc := commission.NewCalculator(ledger, mem, mem, zerolog.Nop())
	return commission.NewRecurrence(mem, calc, mem, zerolog.Nop()), mem
}

// recurringScale spreads 2.5% of revenue over 3 monthly periods.
func recurringScale() *bareme.Scale {
	scale := pctScale()
	scale.ID = "bar-recurring"
	scale.RecurrenceActive = true
	scale.RecurrenceRate = dec("2.5")
	scale.RecurrenceMonths = 3
	return scale
}

func openInstance(t *testing.T, rec *commission.Recurrence, scale *bareme.Scale) *commission.RecurrenceInstance {
	t.Helper()
	inst, err := rec.Open(context.Background(), scale, "agent-1", "ctr-1", dec("2000"),
		commission.Period{Year: 2025, Month: 4})
	require.NoError(t, err)
	return inst
}

// ===== STREAM TESTS =====

func TestOpen_CreatesActiveInstanceWithoutLines(t *testing.T) {
	// GIVEN a recurring scale over 3 months
	rec, mem := newTestRecurrence(t)

	// WHEN opening the stream
	inst := openInstance(t, rec, recurringScale())

	// THEN the instance is active with the full month count remaining
	assert.Equal(t, commission.InstanceActive, inst.Status)
	assert.Equal(t, 3, inst.PeriodsRemaining)
	assert.Equal(t, 0, inst.PeriodsGenerated)
	assert.Equal(t, commission.Period{Year: 2025, Month: 4}, inst.StartPeriod)

	// AND no upfront commission was written
	lines, err := mem.LinesByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, lines, "recurrence pays on period close, never on validation")
}

func TestAdvance_GeneratesMonthlyLinesThenFinishes(t *testing.T) {
	// GIVEN an open 3-month stream on 2000 revenue at 2.5%
	rec, mem := newTestRecurrence(t)
	scale := recurringScale()
	inst := openInstance(t, rec, scale)
	period := inst.StartPeriod

	// WHEN advancing three consecutive periods
	for i := 0; i < 3; i++ {
		res, err := rec.Advance(context.Background(), currentInstance(t, mem, inst.ID), scale, period)
		require.NoError(t, err)
		require.NotNil(t, res)

		// THEN each period yields 2.5% of 2000 = 50.00 across the split
		assert.True(t, res.Raw.Equal(dec("50")), "period %s raw=%s", period, res.Raw)
		assert.True(t, sumLines(res.Lines).Equal(dec("50.00")))
		for _, l := range res.Lines {
			assert.Equal(t, commission.KindRecurrence, l.Kind)
			assert.Equal(t, period, l.Period)
		}
		period = period.Next()
	}

	// AND the instance has finished naturally
	final := currentInstance(t, mem, inst.ID)
	assert.Equal(t, commission.InstanceFinished, final.Status)
	assert.Equal(t, 3, final.PeriodsGenerated)
	assert.Equal(t, 0, final.PeriodsRemaining)

	// AND a fourth advance is refused silently
	res, err := rec.Advance(context.Background(), final, scale, period)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAdvance_SamePeriodTwiceIsANoOp(t *testing.T) {
	// GIVEN a stream already advanced for April
	rec, mem := newTestRecurrence(t)
	scale := recurringScale()
	inst := openInstance(t, rec, scale)

	res, err := rec.Advance(context.Background(), *inst, scale, inst.StartPeriod)
	require.NoError(t, err)
	require.NotNil(t, res)

	// WHEN the April tick is delivered again
	res, err = rec.Advance(context.Background(), currentInstance(t, mem, inst.ID), scale, inst.StartPeriod)

	// THEN nothing is generated and the counters are unchanged
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, currentInstance(t, mem, inst.ID).PeriodsGenerated)
}

// ===== STATE MACHINE TESTS =====

func TestSuspend_FreezesGeneration(t *testing.T) {
	// GIVEN a suspended stream
	rec, mem := newTestRecurrence(t)
	scale := recurringScale()
	inst := openInstance(t, rec, scale)
	require.NoError(t, rec.Suspend(context.Background(), inst.ID))

	// WHEN a period close tries to advance it
	res, err := rec.Advance(context.Background(), currentInstance(t, mem, inst.ID), scale, inst.StartPeriod)

	// THEN no line is generated and the remaining count is frozen
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 3, currentInstance(t, mem, inst.ID).PeriodsRemaining)

	// AND resuming restores generation
	require.NoError(t, rec.Resume(context.Background(), inst.ID))
	res, err = rec.Advance(context.Background(), currentInstance(t, mem, inst.ID), scale, inst.StartPeriod)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestTransitions_GuardInvalidMoves(t *testing.T) {
	// GIVEN an active stream
	rec, _ := newTestRecurrence(t)
	inst := openInstance(t, rec, recurringScale())

	// WHEN resuming a stream that is not suspended
	err := rec.Resume(context.Background(), inst.ID)

	// THEN the transition is refused with its states
	require.Error(t, err)
	var trErr *commission.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, commission.InstanceActive, trErr.From)
	assert.Equal(t, commission.InstanceActive, trErr.To)
}

func TestCancel_FromActiveAndSuspended(t *testing.T) {
	// GIVEN one active and one suspended stream
	rec, mem := newTestRecurrence(t)
	scale := recurringScale()
	active := openInstance(t, rec, scale)

	suspended, err := rec.Open(context.Background(), scale, "agent-2", "ctr-2", dec("2000"),
		commission.Period{Year: 2025, Month: 4})
	require.NoError(t, err)
	require.NoError(t, rec.Suspend(context.Background(), suspended.ID))

	// WHEN cancelling both
	require.NoError(t, rec.Cancel(context.Background(), active.ID))
	require.NoError(t, rec.Cancel(context.Background(), suspended.ID))

	// THEN both end cancelled, and cancelling again is refused
	assert.Equal(t, commission.InstanceCancelled, currentInstance(t, mem, active.ID).Status)
	assert.Equal(t, commission.InstanceCancelled, currentInstance(t, mem, suspended.ID).Status)

	err = rec.Cancel(context.Background(), active.ID)
	var trErr *commission.TransitionError
	require.ErrorAs(t, err, &trErr)
}

// currentInstance reloads an instance's latest persisted state.
func currentInstance(t *testing.T, mem *store.Memory, id commission.InstanceID) commission.RecurrenceInstance {
	t.Helper()
	inst, err := mem.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return *inst
}
