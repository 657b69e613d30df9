/*
sqlite_test.go - Persistence round-trip tests over an in-memory database

Tests for:
- Line append, idempotency key uniqueness, status updates
- Recurrence instance and carryforward round trips
- Payout batch save/replace
- Scale versioning and effective-date queries
- Transactional writes rolling back together
*/
package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/sqlite"
)

// ===== TEST SETUP =====

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleLine(id, key string) commission.Line {
	return commission.Line{
		ID:             commission.LineID(id),
		AgentID:        "agent-1",
		ContractID:     "ctr-1",
		Period:         commission.Period{Year: 2025, Month: 3},
		ScaleID:        "bar-standard",
		ScaleVersion:   1,
		BaseAmount:     dec("1000"),
		Amount:         dec("70.00"),
		Party:          commission.PartyCommercial,
		Status:         commission.StatusPending,
		Kind:           commission.KindSale,
		IdempotencyKey: key,
		CreatedAt:      time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
	}
}

// ===== LINE TESTS =====

func TestLines_RoundTripAndUniqueness(t *testing.T) {
	// GIVEN an appended line
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendLine(ctx, sampleLine("ln-1", "key-1")))

	// THEN it reads back with amounts and period intact
	line, err := store.GetLine(ctx, "ln-1")
	require.NoError(t, err)
	assert.True(t, line.Amount.Equal(dec("70.00")))
	assert.True(t, line.BaseAmount.Equal(dec("1000")))
	assert.Equal(t, commission.Period{Year: 2025, Month: 3}, line.Period)
	assert.Equal(t, commission.StatusPending, line.Status)

	// AND a reused idempotency key is rejected
	err = store.AppendLine(ctx, sampleLine("ln-2", "key-1"))
	assert.ErrorIs(t, err, commission.ErrDuplicateLine)

	// AND a missing line is reported as such
	_, err = store.GetLine(ctx, "ln-missing")
	assert.ErrorIs(t, err, commission.ErrLineNotFound)
}

func TestLines_StatusUpdateAndQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendLine(ctx, sampleLine("ln-1", "key-1")))

	other := sampleLine("ln-2", "key-2")
	other.Period = commission.Period{} // one-shot line
	require.NoError(t, store.AppendLine(ctx, other))

	// WHEN promoting one line
	require.NoError(t, store.SetLineStatus(ctx, "ln-1", commission.StatusPayable))
	line, err := store.GetLine(ctx, "ln-1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPayable, line.Status)

	// THEN period queries separate the two
	byPeriod, err := store.LinesByAgentPeriod(ctx, "agent-1", commission.Period{Year: 2025, Month: 3})
	require.NoError(t, err)
	assert.Len(t, byPeriod, 1)

	byAgent, err := store.LinesByAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	agents, err := store.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commission.AgentID{"agent-1"}, agents)
}

func TestAppendLines_BatchIsAtomic(t *testing.T) {
	// GIVEN a key already written
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendLine(ctx, sampleLine("ln-1", "key-1")))

	// WHEN a batch reuses it
	err := store.AppendLines(ctx, []commission.Line{
		sampleLine("ln-2", "key-2"),
		sampleLine("ln-3", "key-1"),
	})

	// THEN nothing from the batch lands
	require.ErrorIs(t, err, commission.ErrDuplicateLine)
	lines, err := store.LinesByAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

// ===== INSTANCE AND CARRYFORWARD TESTS =====

func TestInstances_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	inst := commission.RecurrenceInstance{
		ID:               "inst-1",
		AgentID:          "agent-1",
		ContractID:       "ctr-1",
		ScaleID:          "bar-recurring",
		ScaleVersion:     2,
		BaseRevenue:      dec("1000"),
		PeriodsRemaining: 12,
		Status:           commission.InstanceActive,
		StartPeriod:      commission.Period{Year: 2025, Month: 4},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	// WHEN advancing it
	inst.PeriodsGenerated = 1
	inst.PeriodsRemaining = 11
	inst.LastPeriod = commission.Period{Year: 2025, Month: 4}
	require.NoError(t, store.UpdateInstance(ctx, inst))

	stored, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 11, stored.PeriodsRemaining)
	assert.Equal(t, commission.Period{Year: 2025, Month: 4}, stored.LastPeriod)
	assert.True(t, stored.BaseRevenue.Equal(dec("1000")))

	// THEN it shows up as active until cancelled
	active, err := store.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	inst.Status = commission.InstanceCancelled
	require.NoError(t, store.UpdateInstance(ctx, inst))
	active, err = store.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCarryforwards_OpenFilterAndOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := commission.Carryforward{
		ID: "cf-old", AgentID: "agent-1",
		OriginPeriod:    commission.Period{Year: 2025, Month: 1},
		InitialAmount:   dec("40"), RemainingAmount: dec("40"),
		Status:    commission.CarryforwardOpen,
		CreatedAt: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	newer := older
	newer.ID = "cf-new"
	newer.CreatedAt = time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	settled := older
	settled.ID = "cf-done"
	settled.Status = commission.CarryforwardSettled
	settled.RemainingAmount = decimal.Zero

	require.NoError(t, store.CreateCarryforward(ctx, newer))
	require.NoError(t, store.CreateCarryforward(ctx, older))
	require.NoError(t, store.CreateCarryforward(ctx, settled))

	// THEN only open debts return, oldest first
	open, err := store.OpenCarryforwards(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, commission.CarryforwardID("cf-old"), open[0].ID)
	assert.Equal(t, commission.CarryforwardID("cf-new"), open[1].ID)
}

// ===== BATCH TESTS =====

func TestBatches_SaveAndReplace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	period := commission.Period{Year: 2025, Month: 3}

	batch := commission.PayoutBatch{
		ID:          "batch-1",
		AgentID:     "agent-1",
		Period:      period,
		Lines:       []commission.Line{sampleLine("ln-1", "key-1")},
		TotalGross:  dec("70.00"),
		TotalNet:    dec("70.00"),
		GeneratedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveBatch(ctx, batch))

	stored, err := store.FindBatch(ctx, "agent-1", period)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.TotalGross.Equal(dec("70.00")))
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, commission.LineID("ln-1"), stored.Lines[0].ID)

	// WHEN rebuilding the same (agent, period)
	batch.ID = "batch-2"
	batch.TotalGross = dec("50.00")
	batch.TotalNet = dec("50.00")
	require.NoError(t, store.SaveBatch(ctx, batch))

	// THEN the draft is replaced, not duplicated
	stored, err = store.FindBatch(ctx, "agent-1", period)
	require.NoError(t, err)
	assert.Equal(t, "batch-2", stored.ID)
	assert.True(t, stored.TotalGross.Equal(dec("50.00")))

	// AND a period with no batch is nil, not an error
	stored, err = store.FindBatch(ctx, "agent-1", commission.Period{Year: 2030, Month: 1})
	require.NoError(t, err)
	assert.Nil(t, stored)
}

// ===== SCALE TESTS =====

func TestScales_VersioningAndEffective(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	scale := &bareme.Scale{
		ID:             "bar-standard",
		OrganisationID: "org-1",
		Name:           "Standard",
		Mode:           bareme.CalcPercentage,
		Base:           bareme.BaseRevenue,
		Rate:           dec("10"),
		Split:          bareme.NewSplit(70, 10, 10, 10),
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         true,
	}

	v1, err := store.Put(ctx, scale)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	scale.Rate = dec("12")
	scale.Version = 0
	v2, err := store.Put(ctx, scale)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// THEN exact versions remain readable
	got, err := store.Get(ctx, "bar-standard", 1)
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(dec("10")))

	latest, err := store.Latest(ctx, "bar-standard")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	// AND the effective query picks the highest live version
	effective, err := store.Effective(ctx, "org-1", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.Equal(t, 2, effective[0].Version)

	// AND an explicit stale version write is refused
	scale.Version = 1
	_, err = store.Put(ctx, scale)
	assert.ErrorIs(t, err, bareme.ErrScaleVersionExists)
}

// ===== TRANSACTION TESTS =====

func TestWithTx_RollsBackTogether(t *testing.T) {
	// GIVEN a transaction writing a line then failing
	store := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.WithTx(ctx, func(s commission.Store) error {
		if err := s.AppendLine(ctx, sampleLine("ln-1", "key-1")); err != nil {
			return err
		}
		if err := s.MarkEvent(ctx, commission.ProcessedEvent{EventID: "evt-1", Kind: "test", At: time.Now()}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// THEN neither write survives
	_, err = store.GetLine(ctx, "ln-1")
	assert.ErrorIs(t, err, commission.ErrLineNotFound)
	seen, err := store.EventSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "the idempotency mark must roll back with the mutation")
}

func TestWithTx_CommitsTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s commission.Store) error {
		if err := s.AppendLine(ctx, sampleLine("ln-1", "key-1")); err != nil {
			return err
		}
		return s.MarkEvent(ctx, commission.ProcessedEvent{EventID: "evt-1", Kind: "test", At: time.Now()})
	})
	require.NoError(t, err)

	_, err = store.GetLine(ctx, "ln-1")
	require.NoError(t, err)
	seen, err := store.EventSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

// ===== AUDIT TESTS =====

func TestAudit_RecentReturnsOldestFirstWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendAudit(ctx, commission.AuditEntry{
			ID:     string(rune('a' + i)),
			Action: commission.AuditLineComputed,
			At:     time.Date(2025, 3, 1, i, 0, 0, 0, time.UTC),
		}))
	}

	entries, err := store.RecentAudit(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "e", entries[2].ID)
}
