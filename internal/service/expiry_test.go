package service

import (
	"testing"
	"time"

	"github.com/zepia/keygate/internal/model"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		status        model.Status
		subTo         time.Time
		wantStatus    model.Status
		wantWriteback bool
	}{
		{"active in window", model.StatusActive, now.Add(time.Hour), model.StatusActive, false},
		{"active past window", model.StatusActive, now.Add(-time.Hour), model.StatusExpired, true},
		{"window end is exclusive", model.StatusActive, now, model.StatusExpired, true},
		{"already expired", model.StatusExpired, now.Add(-time.Hour), model.StatusExpired, false},
		{"inactive past window", model.StatusInactive, now.Add(-time.Hour), model.StatusExpired, true},
		{"inactive in window", model.StatusInactive, now.Add(time.Hour), model.StatusInactive, false},
		{"cancelled in window", model.StatusCancelled, now.Add(time.Hour), model.StatusCancelled, false},
		{"cancelled past window", model.StatusCancelled, now.Add(-time.Hour), model.StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &model.AccessKey{Status: tt.status, SubTo: tt.subTo}
			got, writeback := Evaluate(rec, now)
			if got != tt.wantStatus {
				t.Errorf("status: got %q, want %q", got, tt.wantStatus)
			}
			if writeback != tt.wantWriteback {
				t.Errorf("writeback: got %v, want %v", writeback, tt.wantWriteback)
			}
		})
	}
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		from time.Time
		n    int
		want time.Time
	}{
		{date(2025, 1, 31), 1, date(2025, 2, 28)},
		{date(2024, 1, 31), 1, date(2024, 2, 29)},
		{date(2025, 3, 31), 1, date(2025, 4, 30)},
		{date(2025, 1, 15), 1, date(2025, 2, 15)},
		{date(2025, 12, 15), 1, date(2026, 1, 15)},
		{date(2025, 11, 30), 3, date(2026, 2, 28)},
		{date(2025, 5, 31), 12, date(2026, 5, 31)},
	}
	for _, tt := range tests {
		if got := AddMonths(tt.from, tt.n); !got.Equal(tt.want) {
			t.Errorf("AddMonths(%s, %d) = %s, want %s",
				tt.from.Format(time.DateOnly), tt.n, got.Format(time.DateOnly), tt.want.Format(time.DateOnly))
		}
	}
}

func TestAddMonthsKeepsClock(t *testing.T) {
	from := time.Date(2025, 1, 31, 17, 45, 3, 0, time.UTC)
	got := AddMonths(from, 1)
	want := time.Date(2025, 2, 28, 17, 45, 3, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPeriodEnd(t *testing.T) {
	from := date(2025, 1, 31)
	if got, want := DefaultPeriod.End(from), date(2025, 2, 28); !got.Equal(want) {
		t.Errorf("default: got %v, want %v", got, want)
	}
	if got, want := (Period{Days: 30}).End(from), date(2025, 3, 2); !got.Equal(want) {
		t.Errorf("30 days: got %v, want %v", got, want)
	}
	if got, want := (Period{Months: 1, Days: 1}).End(from), date(2025, 3, 1); !got.Equal(want) {
		t.Errorf("1 month 1 day: got %v, want %v", got, want)
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
