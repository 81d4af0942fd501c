// Package aggregate rolls production events up into daily, weekly, monthly
// and yearly buckets. Every level is built from the stored level below it.
package aggregate

import (
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// PeriodStart truncates t to the start of its period in UTC. Weeks start on
// Sunday 00:00.
func PeriodStart(g domain.Granularity, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case domain.Weekly:
		return day.AddDate(0, 0, -int(day.Weekday()))
	case domain.Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case domain.Yearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

// NextPeriod returns the start of the period following the one starting at start.
func NextPeriod(g domain.Granularity, start time.Time) time.Time {
	return AddPeriods(g, start, 1)
}

func AddPeriods(g domain.Granularity, start time.Time, n int) time.Time {
	switch g {
	case domain.Weekly:
		return start.AddDate(0, 0, 7*n)
	case domain.Monthly:
		return start.AddDate(0, n, 0)
	case domain.Yearly:
		return start.AddDate(n, 0, 0)
	}
	return start.AddDate(0, 0, n)
}

// PeriodKey identifies the period starting at start. Weekly keys are the
// date of the opening Sunday.
func PeriodKey(g domain.Granularity, start time.Time) string {
	switch g {
	case domain.Monthly:
		return start.Format("2006-01")
	case domain.Yearly:
		return start.Format("2006")
	}
	return start.Format("2006-01-02")
}

// Periods lists the period starts of g covering [from, through], in order.
func Periods(g domain.Granularity, from, through time.Time) []time.Time {
	var out []time.Time
	last := PeriodStart(g, through)
	for p := PeriodStart(g, from); !p.After(last); p = NextPeriod(g, p) {
		out = append(out, p)
	}
	return out
}

// child is the granularity a level is summed from.
func child(g domain.Granularity) domain.Granularity {
	switch g {
	case domain.Weekly:
		return domain.Daily
	case domain.Monthly:
		return domain.Weekly
	case domain.Yearly:
		return domain.Monthly
	}
	return ""
}
