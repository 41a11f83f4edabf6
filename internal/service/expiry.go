package service

import (
	"time"

	"github.com/zepia/keygate/internal/model"
)

// Evaluate decides the effective status of rec at now and whether the
// stored status lags behind it. It has no side effects.
//
// CANCELLED always wins. Otherwise a window whose exclusive end has passed
// is EXPIRED, and needs a writeback unless it is already stored as EXPIRED.
func Evaluate(rec *model.AccessKey, now time.Time) (effective model.Status, needsWriteback bool) {
	if rec.Status == model.StatusCancelled {
		return model.StatusCancelled, false
	}
	if !now.Before(rec.SubTo) {
		return model.StatusExpired, rec.Status != model.StatusExpired
	}
	return rec.Status, false
}

// Period is a subscription length in calendar months plus extra days.
type Period struct {
	Months int
	Days   int
}

// DefaultPeriod is one calendar month.
var DefaultPeriod = Period{Months: 1}

// End returns the exclusive end of a window starting at from.
func (p Period) End(from time.Time) time.Time {
	return AddMonths(from, p.Months).AddDate(0, 0, p.Days)
}

// IsZero reports whether the period has no length.
func (p Period) IsZero() bool { return p.Months == 0 && p.Days == 0 }

// AddMonths moves t forward n calendar months keeping the day of month,
// clamped to the last day of a shorter target month (Jan 31 + 1 = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
