package derive

import (
	"math"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// RateWindow is the number of most recent closed cycles averaged by Rate.
const RateWindow = 3

// Cycle is one pump cycle between two consecutive 1->0 collector edges.
type Cycle struct {
	Start      time.Time
	End        time.Time
	StartLevel float64
	EndLevel   float64
	Production float64
}

// CycleTracker follows the collector signal of one machine. Snapshots must
// be observed oldest first; snapshots without a collector value are ignored.
type CycleTracker struct {
	prev      *domain.Snapshot
	open      bool
	openAt    time.Time
	openLevel float64
	closed    []Cycle
}

// Observe feeds the next snapshot and returns the cycle it closed, if any.
func (t *CycleTracker) Observe(s domain.Snapshot) (Cycle, bool) {
	if s.Collector == nil {
		return Cycle{}, false
	}
	prev := t.prev
	cur := s
	t.prev = &cur
	if prev == nil || !isBoundary(*prev.Collector, *s.Collector) {
		return Cycle{}, false
	}

	var (
		c      Cycle
		closed bool
	)
	if t.open {
		end := prev.WaterLevel
		c = Cycle{
			Start:      t.openAt,
			End:        s.CapturedAt,
			StartLevel: t.openLevel,
			EndLevel:   end,
			Production: math.Max(0, round3(end-t.openLevel)),
		}
		t.closed = append(t.closed, c)
		closed = true
	}
	t.open = true
	t.openAt = s.CapturedAt
	t.openLevel = s.WaterLevel
	return c, closed
}

// FirstBoundary reports when the first cycle was opened. Cycles ending
// there cannot be derived from the observed history.
func (t *CycleTracker) FirstBoundary() (time.Time, bool) {
	if len(t.closed) > 0 {
		return t.closed[0].Start, true
	}
	return t.openAt, t.open
}

func (t *CycleTracker) Closed() []Cycle {
	return t.closed
}

// Rate is the production of the last RateWindow closed cycles in liters per
// hour, from the start of the first of them to the end of the last.
func (t *CycleTracker) Rate() float64 {
	return Rate(t.closed)
}

func isBoundary(prev, cur float64) bool {
	return prev != 0 && cur == 0
}

// Rate returns 0 with fewer than two closed cycles.
func Rate(cycles []Cycle) float64 {
	if len(cycles) < 2 {
		return 0
	}
	recent := cycles
	if len(recent) > RateWindow {
		recent = recent[len(recent)-RateWindow:]
	}
	var total float64
	for _, c := range recent {
		total += c.Production
	}
	hours := recent[len(recent)-1].End.Sub(recent[0].Start).Hours()
	if hours <= 0 {
		return 0
	}
	return total / hours
}

// CycleEvents runs a fresh tracker over snaps and returns the tracker
// together with the events of every closed cycle above noise.
func CycleEvents(snaps []domain.Snapshot, noise float64) (*CycleTracker, []domain.ProductionEvent) {
	t := &CycleTracker{}
	var out []domain.ProductionEvent
	for _, s := range snaps {
		c, ok := t.Observe(s)
		if !ok || c.Production <= noise {
			continue
		}
		out = append(out, domain.ProductionEvent{
			MachineID:        s.MachineID,
			Source:           domain.SourceEdgeSignal,
			ProductionLiters: c.Production,
			PreviousLevel:    c.StartLevel,
			CurrentLevel:     c.EndLevel,
			OccurredAt:       c.End,
		})
	}
	return t, out
}
