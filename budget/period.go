package budget

import (
	"time"

	"github.com/wisemanIV/strand-cost-guard/policy"
)

// Window returns the [start, end) accounting window containing now for the
// given period, aligned to wall-clock boundaries in UTC: hourly to XX:00,
// daily to 00:00, weekly to Monday 00:00, monthly to the first of the month.
// The start is inclusive and the end exclusive: at exactly period_end the
// next window has begun.
func Window(p policy.Period, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch p {
	case policy.PeriodHourly:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case policy.PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday has Sunday == 0; shift so Monday opens the week.
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case policy.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default: // daily
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}
