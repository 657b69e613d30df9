/*
engine_test.go - End-to-end event flow tests

COVERS:
  - Contract validated -> payment confirmed -> period closed, with the
    resulting payout batch
  - Recurring scales opening a stream instead of paying up front
  - Tier bonuses awarded during period close
  - Duplicate events dropped silently under at-least-once delivery
  - Termination triggering the clawback path
*/
package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/store/sqlite"
)

// ===== TEST SETUP =====

// captureEmitter records every outbound notification for assertions.
type captureEmitter struct {
	notifications []commission.Notification
}

func (c *captureEmitter) Emit(_ context.Context, n commission.Notification) error {
	c.notifications = append(c.notifications, n)
	return nil
}

func (c *captureEmitter) ofKind(kind commission.NotificationKind) []commission.Notification {
	var out []commission.Notification
	for _, n := range c.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type engineFixture struct {
	engine  *commission.Engine
	mem     *store.Memory
	scales  *store.ScaleMemory
	emitter *captureEmitter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mem := store.NewMemory()
	scales := store.NewScaleMemory()
	emitter := &captureEmitter{}
	engine := commission.NewEngine(mem, scales, emitter, zerolog.Nop())
	return &engineFixture{engine: engine, mem: mem, scales: scales, emitter: emitter}
}

func (f *engineFixture) putScale(t *testing.T, scale *bareme.Scale) *bareme.Scale {
	t.Helper()
	stored, err := f.scales.Put(context.Background(), scale)
	require.NoError(t, err)
	return stored
}

func validatedEvent(eventID string, contractID commission.ContractID, revenue string) commission.ContractValidated {
	return commission.ContractValidated{
		EventID:        eventID,
		ContractID:     contractID,
		AgentID:        "agent-1",
		Revenue:        dec(revenue),
		OrganisationID: "org-1",
		ProductType:    "sante",
		ValidatedAt:    time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
	}
}

// ===== ONE-SHOT SALE FLOW =====

func TestEngine_SaleThenPaymentPromotesLines(t *testing.T) {
	// GIVEN a non-recurring 10% scale
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ProductType = "sante"
	f.putScale(t, scale)

	// WHEN a 1000 revenue contract validates
	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// THEN four pending lines exist and were announced
	lines, err := f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	require.Len(t, lines, 4)
	for _, l := range lines {
		assert.Equal(t, commission.StatusPending, l.Status)
	}
	assert.Len(t, f.emitter.ofKind(commission.NotifyLineCreated), 4)

	// WHEN the payment is confirmed
	require.NoError(t, f.engine.HandlePaymentConfirmed(context.Background(),
		commission.PaymentConfirmed{
			EventID:    "evt-p-1",
			ContractID: "ctr-1",
			PaidAt:     time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
		}))

	// THEN every pending line is promoted
	lines, err = f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	for _, l := range lines {
		assert.Equal(t, commission.StatusPayable, l.Status)
	}
}

func TestEngine_PaymentConfirmedScopedToPeriod(t *testing.T) {
	// GIVEN a deferred recurring scale with two months of pending lines
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ID = "bar-deferred"
	scale.ProductType = "sante"
	scale.RecurrenceActive = true
	scale.RecurrenceRate = dec("5")
	scale.RecurrenceMonths = 2
	f.putScale(t, scale)

	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	april := commission.Period{Year: 2025, Month: 4}
	may := april.Next()
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-04", Period: april}))
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-05", Period: may}))

	// WHEN only April's payment clears
	require.NoError(t, f.engine.HandlePaymentConfirmed(context.Background(),
		commission.PaymentConfirmed{
			EventID:    "evt-p-1",
			ContractID: "ctr-1",
			Period:     april,
			Amount:     dec("50.00"),
			PaidAt:     time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC),
		}))

	// THEN April's lines are payable and May's stay pending
	aprilLines, err := f.mem.LinesByAgentPeriod(context.Background(), "agent-1", april)
	require.NoError(t, err)
	require.NotEmpty(t, aprilLines)
	for _, l := range aprilLines {
		assert.Equal(t, commission.StatusPayable, l.Status)
	}

	mayLines, err := f.mem.LinesByAgentPeriod(context.Background(), "agent-1", may)
	require.NoError(t, err)
	require.NotEmpty(t, mayLines)
	for _, l := range mayLines {
		assert.Equal(t, commission.StatusPending, l.Status,
			"a payment for one period must not settle a later month's lines")
	}
}

func TestEngine_DuplicateEventIsDroppedSilently(t *testing.T) {
	// GIVEN a contract already validated
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ProductType = "sante"
	f.putScale(t, scale)
	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// WHEN the transport redelivers the same event
	err := f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000"))

	// THEN the replay succeeds without effect
	require.NoError(t, err, "at-least-once redelivery must not surface an error")
	lines, err := f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Len(t, lines, 4)

	// AND the drop left an audit mark
	audit, err := f.mem.RecentAudit(context.Background(), 50)
	require.NoError(t, err)
	found := false
	for _, entry := range audit {
		if entry.Action == commission.AuditDuplicateEventFiltered {
			found = true
		}
	}
	assert.True(t, found, "filtered duplicates must be auditable")
}

func TestEngine_NoApplicableScaleFailsTheSale(t *testing.T) {
	// GIVEN no scale configured for the organisation
	f := newEngineFixture(t)

	err := f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000"))

	// THEN the event fails hard so upstream can alert and retry
	assert.ErrorIs(t, err, bareme.ErrNoApplicableScale)
}

// ===== RECURRING FLOW =====

func TestEngine_RecurringScaleOpensStreamAndPaysOnClose(t *testing.T) {
	// GIVEN a precompte recurring scale: 5% of revenue over 2 months
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ID = "bar-recurring"
	scale.ProductType = "sante"
	scale.Precompte = true
	scale.RecurrenceActive = true
	scale.RecurrenceRate = dec("5")
	scale.RecurrenceMonths = 2
	f.putScale(t, scale)

	// WHEN the contract validates mid-March
	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// THEN nothing is owed yet; the stream starts in April
	lines, err := f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Empty(t, lines, "recurring scales pay on period close")

	instances, err := f.mem.InstancesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, commission.Period{Year: 2025, Month: 4}, instances[0].StartPeriod)

	// WHEN April closes
	april := commission.Period{Year: 2025, Month: 4}
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-04", Period: april}))

	// THEN the period's 50.00 is payable and batched
	lines, err = f.mem.LinesByAgentPeriod(context.Background(), "agent-1", april)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.True(t, sumLines(lines).Equal(dec("50.00")))
	for _, l := range lines {
		assert.Equal(t, commission.StatusPayable, l.Status)
		assert.Equal(t, commission.KindRecurrence, l.Kind)
	}

	batch, err := f.mem.FindBatch(context.Background(), "agent-1", april)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.True(t, batch.TotalGross.Equal(dec("50.00")))
	assert.True(t, batch.TotalNet.Equal(dec("50.00")))
	assert.Len(t, f.emitter.ofKind(commission.NotifyPayoutBatchReady), 1)

	// WHEN May closes, the stream exhausts
	may := april.Next()
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-05", Period: may}))

	instances, err = f.mem.InstancesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, commission.InstanceFinished, instances[0].Status)

	// AND a redelivered close changes nothing
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-05", Period: may}))
	all, err := f.mem.LinesByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, sumLines(all).Equal(dec("100.00")), "two periods of 50.00, no more")
}

func TestEngine_PeriodCloseAwardsTierBonuses(t *testing.T) {
	// GIVEN a recurring scale carrying a volume tier at 1 sale
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ID = "bar-tiered"
	scale.ProductType = "sante"
	scale.Precompte = true
	scale.RecurrenceActive = true
	scale.RecurrenceRate = dec("5")
	scale.RecurrenceMonths = 3
	scale.Tiers = []bareme.Tier{{
		ID:           "t-active",
		Code:         "ACT",
		Name:         "Prime activite",
		Kind:         bareme.TierVolume,
		MinThreshold: decimal.NewFromInt(1),
		BonusAmount:  dec("25"),
		PerPeriod:    true,
		Active:       true,
	}}
	f.putScale(t, scale)

	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// WHEN the stream's first period closes
	april := commission.Period{Year: 2025, Month: 4}
	require.NoError(t, f.engine.HandlePeriodClosed(context.Background(),
		commission.PeriodClosed{EventID: "evt-close-2025-04", Period: april}))

	// THEN the batch carries the recurrence split plus the bonus
	batch, err := f.mem.FindBatch(context.Background(), "agent-1", april)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.True(t, batch.TotalGross.Equal(dec("75.00")), "50.00 recurrence + 25 bonus, got %s", batch.TotalGross)

	bonuses := 0
	for _, l := range batch.Lines {
		if l.Kind == commission.KindBonus {
			bonuses++
			assert.Equal(t, "t-active", l.ReferenceID)
		}
	}
	assert.Equal(t, 1, bonuses)
}

// ===== TERMINATION FLOW =====

func TestEngine_TerminationClawsBackPaidCommission(t *testing.T) {
	// GIVEN a paid contract on a scale clawing back 50% within 12 months
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ProductType = "sante"
	scale.Precompte = true
	scale.ClawbackWindowMonths = 12
	scale.ClawbackRate = dec("50")
	f.putScale(t, scale)

	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// The payment system settles the batch; lines become paid.
	lines, err := f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	for _, l := range lines {
		require.NoError(t, f.mem.SetLineStatus(context.Background(), l.ID, commission.StatusPaid))
	}

	// WHEN the contract terminates two months in
	require.NoError(t, f.engine.HandleContractTerminated(context.Background(),
		commission.ContractTerminated{
			EventID:      "evt-t-1",
			ContractID:   "ctr-1",
			TerminatedAt: time.Now().AddDate(0, 2, 0),
			Reason:       "resiliation anticipee",
		}))

	// THEN 50.00 is due; with nothing offsettable it all becomes debt
	cfs, err := f.mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, cfs, 1)
	assert.True(t, cfs[0].RemainingAmount.Equal(dec("50.00")))
	assert.Equal(t, commission.CarryforwardOpen, cfs[0].Status)

	// AND the next sale's commission pays the debt down first
	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-2", "ctr-2", "300")))
	newLines, err := f.mem.LinesByContract(context.Background(), "ctr-2")
	require.NoError(t, err)
	assert.Empty(t, newLines, "a 30.00 commission is fully absorbed by the 50.00 debt")

	cfs, err = f.mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, cfs[0].RemainingAmount.Equal(dec("20.00")))
}

func TestEngine_ConcurrentTerminationAndSaleKeepBooksConsistent(t *testing.T) {
	// GIVEN a fully paid contract on a 50% clawback scale
	f := newEngineFixture(t)
	scale := pctScale()
	scale.ProductType = "sante"
	scale.Precompte = true
	scale.ClawbackWindowMonths = 12
	scale.ClawbackRate = dec("50")
	f.putScale(t, scale)

	require.NoError(t, f.engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))
	lines, err := f.mem.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	for _, l := range lines {
		require.NoError(t, f.mem.SetLineStatus(context.Background(), l.ID, commission.StatusPaid))
	}

	// WHEN a termination and a new sale race on the same agent
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.engine.HandleContractTerminated(context.Background(),
			commission.ContractTerminated{
				EventID:      "evt-t-1",
				ContractID:   "ctr-1",
				TerminatedAt: time.Now().AddDate(0, 2, 0),
				Reason:       "resiliation anticipee",
			}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.engine.HandleContractValidated(context.Background(),
			validatedEvent("evt-v-2", "ctr-2", "300")))
	}()
	wg.Wait()

	// THEN either serialization balances: the 50.00 debt minus whatever the
	// 30.00 commission absorbed equals the debt left standing
	cfs, err := f.mem.CarryforwardsByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, cfs, 1)
	remaining := cfs[0].RemainingAmount
	assert.False(t, remaining.IsNegative())

	ctr2, err := f.mem.LinesByContract(context.Background(), "ctr-2")
	require.NoError(t, err)
	paidOut := decimal.Zero
	for _, l := range ctr2 {
		paidOut = paidOut.Add(l.Amount)
	}
	assert.True(t, remaining.Sub(paidOut).Equal(dec("20.00")),
		"remaining %s and paid out %s must account for the full 50.00 debt", remaining, paidOut)
}

// ===== TRANSACTIONAL STORE =====

func TestEngine_SQLiteCommitsMarkWithLedger(t *testing.T) {
	// GIVEN an engine over the transactional SQLite store
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emitter := &captureEmitter{}
	engine := commission.NewEngine(st, st, emitter, zerolog.Nop())

	scale := pctScale()
	scale.ProductType = "sante"
	_, err = st.Put(context.Background(), scale)
	require.NoError(t, err)

	// WHEN a sale validates
	require.NoError(t, engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))

	// THEN the ledger write and the idempotency mark committed together
	lines, err := st.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Len(t, lines, 4)

	seen, err := st.EventSeen(context.Background(), "evt-v-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// AND a redelivery is filtered by the committed mark
	require.NoError(t, engine.HandleContractValidated(context.Background(),
		validatedEvent("evt-v-1", "ctr-1", "1000")))
	lines, err = st.LinesByContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Len(t, lines, 4)
}
