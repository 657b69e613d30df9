/*
scheduler.go - Automated period-close scheduler

PURPOSE:
  Fires the monthly close without waiting for an upstream PeriodClosed
  event. On the configured cron schedule it closes the previous calendar
  month: recurrences advance, tier bonuses are awarded, and payout
  batches are generated.

IDEMPOTENCY:
  The event ID is derived from the period ("period-close:2025-03"), so a
  scheduler tick racing an upstream PeriodClosed event is harmless - the
  second one is filtered as a duplicate.

CONFIGURATION:
  - Spec: cron expression (default: 02:00 on the 1st of each month)
  - Enabled: whether the scheduler runs at all

USAGE:
  scheduler := NewPeriodScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: PeriodClosed endpoint (manual close)
  - commission/engine.go: HandlePeriodClosed
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/commission-engine/commission"
)

// DefaultCloseSpec closes the previous month at 02:00 on the 1st.
const DefaultCloseSpec = "0 2 1 * *"

// PeriodScheduler triggers the monthly close on a cron schedule.
type PeriodScheduler struct {
	Engine  *commission.Engine
	Spec    string
	Enabled bool

	cron *cron.Cron
	log  zerolog.Logger
	now  func() time.Time
}

// NewPeriodScheduler creates a scheduler with the default spec.
func NewPeriodScheduler(engine *commission.Engine, log zerolog.Logger) *PeriodScheduler {
	return &PeriodScheduler{
		Engine:  engine,
		Spec:    DefaultCloseSpec,
		Enabled: true,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Start begins the scheduler. Returns an error for an invalid cron spec.
func (ps *PeriodScheduler) Start() error {
	if !ps.Enabled {
		ps.log.Info().Msg("Scheduler disabled, not starting")
		return nil
	}

	ps.cron = cron.New()
	if _, err := ps.cron.AddFunc(ps.Spec, ps.closePreviousPeriod); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", ps.Spec, err)
	}
	ps.cron.Start()

	ps.log.Info().Str("spec", ps.Spec).Msg("Scheduler started")
	return nil
}

// Stop stops the scheduler, waiting for a running close to finish.
func (ps *PeriodScheduler) Stop() {
	if ps.cron == nil {
		return
	}
	<-ps.cron.Stop().Done()
	ps.log.Info().Msg("Scheduler stopped")
}

// closePreviousPeriod closes the month that just ended.
func (ps *PeriodScheduler) closePreviousPeriod() {
	period := commission.PeriodOf(ps.now().UTC()).AddMonths(-1)

	ev := commission.PeriodClosed{
		EventID: fmt.Sprintf("period-close:%s", period),
		Period:  period,
	}

	ps.log.Info().Str("period", period.String()).Msg("Scheduled period close starting")
	if err := ps.Engine.HandlePeriodClosed(context.Background(), ev); err != nil {
		ps.log.Error().Err(err).Str("period", period.String()).Msg("Scheduled period close failed")
		return
	}
	ps.log.Info().Str("period", period.String()).Msg("Scheduled period close finished")
}
