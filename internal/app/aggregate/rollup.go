package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/domain"
)

// Source selects which estimator feeds daily totals.
type Source string

const (
	SourceLevelDelta Source = "level_delta"
	SourceEdgeSignal Source = "edge_signal"
	// SourcePreferEdge uses edge-signal totals for a day with at least one
	// edge-signal event and level-delta totals otherwise.
	SourcePreferEdge Source = "prefer_edge"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "":
		return SourceLevelDelta, nil
	case SourceLevelDelta, SourceEdgeSignal, SourcePreferEdge:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown aggregation source %q", s)
}

// Round1 rounds half up to one decimal. The epsilon absorbs binary
// representation error so 0.25 and 0.35 both round up.
func Round1(x float64) float64 {
	return math.Floor(x*10+0.5+1e-9) / 10
}

// Percentages converts sample counts to whole percentages summing to 100.
// Any rounding remainder goes to the largest category, ties resolved in the
// order producing, idle, full water, disconnected. No samples reads as fully
// disconnected.
func Percentages(c domain.StatusCounts) domain.StatusPercentages {
	total := c.Total()
	if total == 0 {
		return domain.StatusPercentages{Disconnected: 100}
	}
	counts := [4]int{c.Producing, c.Idle, c.FullWater, c.Disconnected}
	var pct [4]int
	sum, largest := 0, 0
	for i, n := range counts {
		pct[i] = int(math.Floor(float64(n)*100/float64(total) + 0.5))
		sum += pct[i]
		if n > counts[largest] {
			largest = i
		}
	}
	pct[largest] += 100 - sum
	return domain.StatusPercentages{
		Producing:    pct[0],
		Idle:         pct[1],
		FullWater:    pct[2],
		Disconnected: pct[3],
	}
}

// dailyTotal sums the events of one day according to src.
func dailyTotal(events []domain.ProductionEvent, src Source) (float64, int) {
	use := domain.SourceLevelDelta
	switch src {
	case SourceEdgeSignal:
		use = domain.SourceEdgeSignal
	case SourcePreferEdge:
		for _, e := range events {
			if e.Source == domain.SourceEdgeSignal {
				use = domain.SourceEdgeSignal
				break
			}
		}
	}
	var (
		sum   float64
		count int
	)
	for _, e := range events {
		if e.Source != use {
			continue
		}
		sum += e.ProductionLiters
		count++
	}
	return Round1(sum), count
}

// SampleRules controls the classification of historical status samples.
type SampleRules struct {
	// GapThreshold marks a sample disconnected when it follows a longer gap.
	GapThreshold     time.Duration
	CapacityLiters   float64
	FullWaterPercent float64
}

// countSamples classifies snaps (oldest first) and counts them per day
// start. prev is the sample preceding snaps[0], if known.
func countSamples(snaps []domain.Snapshot, prev *domain.Snapshot, rules SampleRules) map[time.Time]domain.StatusCounts {
	out := make(map[time.Time]domain.StatusCounts)
	for i, s := range snaps {
		var gap time.Duration
		switch {
		case i > 0:
			gap = s.CapturedAt.Sub(snaps[i-1].CapturedAt)
		case prev != nil:
			gap = s.CapturedAt.Sub(prev.CapturedAt)
		}
		day := PeriodStart(domain.Daily, s.CapturedAt)
		c := out[day]
		switch status.SampleCategory(s, gap, rules.GapThreshold, rules.CapacityLiters, rules.FullWaterPercent) {
		case domain.StatusProducing:
			c.Producing++
		case domain.StatusFullWater:
			c.FullWater++
		case domain.StatusDisconnected, domain.StatusOffline:
			c.Disconnected++
		default:
			c.Idle++
		}
		out[day] = c
	}
	return out
}

// sumBuckets folds child buckets into one parent total.
func sumBuckets(children []domain.Bucket) (float64, int, domain.StatusCounts) {
	var (
		total  float64
		events int
		counts domain.StatusCounts
	)
	for _, b := range children {
		total += b.TotalProduction
		events += b.EventCount
		counts = counts.Add(b.Samples)
	}
	return Round1(total), events, counts
}

func newBucket(machineID string, g domain.Granularity, start time.Time, total float64, events int, counts domain.StatusCounts) domain.Bucket {
	return domain.Bucket{
		MachineID:       machineID,
		Granularity:     g,
		PeriodKey:       PeriodKey(g, start),
		PeriodStart:     start,
		TotalProduction: total,
		EventCount:      events,
		Samples:         counts,
		Status:          Percentages(counts),
	}
}
