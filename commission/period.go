package commission

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Monthly billing period ("YYYY-MM")
// =============================================================================

// Period is one monthly billing period. Recurring lines, tier evaluation and
// payout batches are all keyed to a period; one-shot lines carry none.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses the wire form "2025-03".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// CurrentPeriod returns the period containing the current time.
func CurrentPeriod() Period {
	return PeriodOf(time.Now().UTC())
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Year == 0 }

// Next returns the following month.
func (p Period) Next() Period { return p.AddMonths(1) }

// AddMonths returns the period n months later (or earlier for negative n).
func (p Period) AddMonths(n int) Period {
	t := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following period; the period covers
// [Start, End).
func (p Period) End() time.Time {
	return p.Next().Start()
}

// Before reports chronological order.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// MonthsSince returns how many whole periods separate p from earlier.
// Same period = 0, next month = 1.
func (p Period) MonthsSince(earlier Period) int {
	return (p.Year-earlier.Year)*12 + int(p.Month) - int(earlier.Month)
}

// MonthsBetween returns the number of whole months from a to b, counting a
// started month as elapsed only once its day-of-month is reached.
func MonthsBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if b.Day() < a.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}
