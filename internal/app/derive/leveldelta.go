// Package derive turns snapshot history into production events. Two
// independent estimators exist: level deltas between consecutive snapshots
// and pump cycles bounded by collector signal edges.
package derive

import (
	"math"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// LevelDelta derives the event for the consecutive pair (older, newer). No
// event is produced when the rise is at or below noise; falling levels are
// consumption and never count as negative production.
func LevelDelta(older, newer domain.Snapshot, noise float64) (domain.ProductionEvent, bool) {
	delta := round3(newer.WaterLevel - older.WaterLevel)
	if delta <= noise {
		return domain.ProductionEvent{}, false
	}
	return domain.ProductionEvent{
		MachineID:        newer.MachineID,
		Source:           domain.SourceLevelDelta,
		ProductionLiters: delta,
		PreviousLevel:    older.WaterLevel,
		CurrentLevel:     newer.WaterLevel,
		OccurredAt:       newer.CapturedAt,
	}, true
}

// LevelDeltas derives events for every consecutive pair of snaps, which
// must be sorted oldest first.
func LevelDeltas(snaps []domain.Snapshot, noise float64) []domain.ProductionEvent {
	var out []domain.ProductionEvent
	for i := 1; i < len(snaps); i++ {
		if e, ok := LevelDelta(snaps[i-1], snaps[i], noise); ok {
			out = append(out, e)
		}
	}
	return out
}

// round3 strips float noise so that 5.3-2.0 is stored as 3.3.
func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
