/*
overrides.go - Manual payout exclusion with mandatory audit reason

PURPOSE:
  Back-office validation ("ADV") can pull a commission line out of the next
  payout batch - and put it back - without ever touching amounts. Every
  action requires a reason of at least MinReasonLength characters and is
  appended to an audit trail that is never rewritten.

  Include restores the exact status the line had before its exclusion,
  recorded on the exclusion entry itself.
*/
package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MinReasonLength is the mandatory minimum for exclusion reasons.
const MinReasonLength = 10

// Overrides is the manual exclusion ledger.
type Overrides struct {
	lines      LineStore
	exclusions ExclusionStore
	audit      AuditLog
	log        zerolog.Logger
	now        func() time.Time
}

// NewOverrides creates the override ledger.
func NewOverrides(lines LineStore, exclusions ExclusionStore, audit AuditLog, log zerolog.Logger) *Overrides {
	return &Overrides{
		lines:      lines,
		exclusions: exclusions,
		audit:      audit,
		log:        log.With().Str("component", "overrides").Logger(),
		now:        time.Now,
	}
}

// Exclude removes a line from the next payout batch. Fails with
// ErrInvalidReason when the reason is too short and ErrLineAlreadyExcluded
// when the line is already held.
func (o *Overrides) Exclude(ctx context.Context, lineID LineID, reason, author string) error {
	if len([]rune(reason)) < MinReasonLength {
		return &InvalidReasonError{Length: len([]rune(reason))}
	}

	line, err := o.lines.GetLine(ctx, lineID)
	if err != nil {
		return err
	}
	if line.Status == StatusExcluded {
		return ErrLineAlreadyExcluded
	}

	ex := Exclusion{
		ID:          uuid.NewString(),
		LineID:      lineID,
		Action:      ActionExclude,
		Reason:      reason,
		Author:      author,
		PriorStatus: line.Status,
		At:          o.now(),
	}
	if err := o.exclusions.AppendExclusion(ctx, ex); err != nil {
		return err
	}
	if err := o.lines.SetLineStatus(ctx, lineID, StatusExcluded); err != nil {
		return err
	}

	o.appendAudit(ctx, AuditLineExcluded, line, author, reason)
	o.log.Info().
		Str("line", string(lineID)).
		Str("author", author).
		Msg("Line excluded from payout")
	return nil
}

// Include reverses an exclusion with its own mandatory-reason audit record,
// restoring the status the line had before the exclusion.
func (o *Overrides) Include(ctx context.Context, lineID LineID, reason, author string) error {
	if len([]rune(reason)) < MinReasonLength {
		return &InvalidReasonError{Length: len([]rune(reason))}
	}

	line, err := o.lines.GetLine(ctx, lineID)
	if err != nil {
		return err
	}
	if line.Status != StatusExcluded {
		return ErrLineNotExcluded
	}

	prior, err := o.priorStatus(ctx, lineID)
	if err != nil {
		return err
	}

	ex := Exclusion{
		ID:          uuid.NewString(),
		LineID:      lineID,
		Action:      ActionInclude,
		Reason:      reason,
		Author:      author,
		PriorStatus: prior,
		At:          o.now(),
	}
	if err := o.exclusions.AppendExclusion(ctx, ex); err != nil {
		return err
	}
	if err := o.lines.SetLineStatus(ctx, lineID, prior); err != nil {
		return err
	}

	o.appendAudit(ctx, AuditLineIncluded, line, author, reason)
	o.log.Info().
		Str("line", string(lineID)).
		Str("author", author).
		Str("restored", string(prior)).
		Msg("Line re-included in payout")
	return nil
}

// priorStatus finds the status recorded by the most recent exclude action.
func (o *Overrides) priorStatus(ctx context.Context, lineID LineID) (LineStatus, error) {
	trail, err := o.exclusions.ExclusionsByLine(ctx, lineID)
	if err != nil {
		return "", err
	}
	for i := len(trail) - 1; i >= 0; i-- {
		if trail[i].Action == ActionExclude {
			return trail[i].PriorStatus, nil
		}
	}
	return "", ErrLineNotExcluded
}

func (o *Overrides) appendAudit(ctx context.Context, action AuditAction, line *Line, author, reason string) {
	if o.audit == nil {
		return
	}
	_ = o.audit.AppendAudit(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		RefID:      string(line.ID),
		AgentID:    line.AgentID,
		ContractID: line.ContractID,
		Period:     line.Period,
		Amount:     line.Amount,
		Actor:      author,
		Detail:     reason,
		At:         o.now(),
	})
}
