package budget

import (
	"testing"
	"time"

	"github.com/wisemanIV/strand-cost-guard/policy"
)

func TestWindow(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	at := time.Date(2026, 3, 4, 14, 37, 12, 0, time.UTC)

	tests := []struct {
		name   string
		period policy.Period
		now    time.Time
		start  time.Time
		end    time.Time
	}{
		{
			name:   "hourly",
			period: policy.PeriodHourly,
			now:    at,
			start:  time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC),
		},
		{
			name:   "daily",
			period: policy.PeriodDaily,
			now:    at,
			start:  time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "weekly aligns to monday",
			period: policy.PeriodWeekly,
			now:    at,
			start:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "weekly on a sunday stays in the running week",
			period: policy.PeriodWeekly,
			now:    time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC),
			start:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "monthly",
			period: policy.PeriodMonthly,
			now:    at,
			start:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "exact boundary opens the next window",
			period: policy.PeriodDaily,
			now:    time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
			start:  time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
			end:    time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end := Window(tc.period, tc.now)
			if !start.Equal(tc.start) || !end.Equal(tc.end) {
				t.Fatalf("Window(%s, %s) = [%s, %s), want [%s, %s)",
					tc.period, tc.now, start, end, tc.start, tc.end)
			}
		})
	}
}
