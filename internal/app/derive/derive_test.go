package derive

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ghalamif/aquaflow/internal/adapters/memstore"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func snap(at time.Time, level float64) domain.Snapshot {
	return domain.Snapshot{MachineID: "awg-1", WaterLevel: level, CapturedAt: at}
}

func signal(at time.Time, level, collector float64) domain.Snapshot {
	s := snap(at, level)
	s.Collector = &collector
	return s
}

func TestLevelDeltaNoiseFloor(t *testing.T) {
	for _, pair := range [][2]float64{{2.0, 2.0}, {2.0, 2.1}, {5.0, 1.0}, {1.05, 1.15}} {
		if e, ok := LevelDelta(snap(t0, pair[0]), snap(t0.Add(time.Minute), pair[1]), domain.NoiseThreshold); ok {
			t.Fatalf("pair %v must not produce an event, got %+v", pair, e)
		}
	}

	e, ok := LevelDelta(snap(t0, 2.0), snap(t0.Add(time.Minute), 2.25), domain.NoiseThreshold)
	if !ok {
		t.Fatalf("expected event above noise")
	}
	if e.ProductionLiters != 0.25 || e.PreviousLevel != 2.0 || e.CurrentLevel != 2.25 || !e.OccurredAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Source != domain.SourceLevelDelta {
		t.Fatalf("expected level_delta source, got %s", e.Source)
	}
}

func newDeriver(store *memstore.Store, now time.Time) *Deriver {
	stores := store.Stores()
	d := NewDeriver(Config{}, stores.Snapshots, stores.Events, stores.Machines, nil)
	d.now = func() time.Time { return now }
	return d
}

func insertAll(t *testing.T, store *memstore.Store, snaps ...domain.Snapshot) {
	t.Helper()
	for _, s := range snaps {
		if _, err := store.Stores().Snapshots.Insert(context.Background(), s); err != nil {
			t.Fatalf("insert snapshot: %v", err)
		}
	}
}

func levelEvents(t *testing.T, store *memstore.Store, source domain.EventSource) []domain.ProductionEvent {
	t.Helper()
	var out []domain.ProductionEvent
	for _, e := range eventsBetween(t, store, t0.Add(-24*time.Hour), t0.Add(24*time.Hour)) {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

func eventsBetween(t *testing.T, store *memstore.Store, from, to time.Time) []domain.ProductionEvent {
	t.Helper()
	all, err := store.Stores().Events.Range(context.Background(), "awg-1", from, to)
	if err != nil {
		t.Fatalf("range events: %v", err)
	}
	return all
}

func sameEvents(t *testing.T, pushed, polled []domain.ProductionEvent) {
	t.Helper()
	if len(pushed) != len(polled) {
		t.Fatalf("push and poll disagree: push=%+v poll=%+v", pushed, polled)
	}
	for i := range pushed {
		if pushed[i] != polled[i] {
			t.Fatalf("event %d differs: push=%+v poll=%+v", i, pushed[i], polled[i])
		}
	}
}

func TestEndToEndLevelDelta(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	t1, t2 := t0.Add(30*time.Minute), t0.Add(time.Hour)
	insertAll(t, store, snap(t0, 2.0), snap(t1, 2.0), snap(t2, 5.3))

	d := newDeriver(store, t2.Add(time.Minute))
	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	events := levelEvents(t, store, domain.SourceLevelDelta)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	e := events[0]
	if e.ProductionLiters != 3.3 || e.PreviousLevel != 2.0 || e.CurrentLevel != 5.3 || !e.OccurredAt.Equal(t2) {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestDerivationIsIdempotentAcrossTriggers(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	t1, t2 := t0.Add(30*time.Minute), t0.Add(time.Hour)
	insertAll(t, store, snap(t0, 1.0), snap(t1, 2.0), snap(t2, 3.5))
	d := newDeriver(store, t2.Add(time.Minute))
	ctx := context.Background()

	for _, at := range []time.Time{t1, t2} {
		if _, err := d.OnInserted(ctx, domain.SnapshotInserted{MachineID: "awg-1", CapturedAt: at}); err != nil {
			t.Fatalf("on inserted: %v", err)
		}
	}
	pushed := levelEvents(t, store, domain.SourceLevelDelta)

	for i := 0; i < 2; i++ {
		if err := d.Poll(ctx); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	polled := levelEvents(t, store, domain.SourceLevelDelta)

	if len(pushed) != 2 || len(polled) != 2 {
		t.Fatalf("expected 2 events from both triggers, got push=%d poll=%d", len(pushed), len(polled))
	}
	for i := range pushed {
		if pushed[i] != polled[i] {
			t.Fatalf("trigger mismatch at %d: %+v vs %+v", i, pushed[i], polled[i])
		}
	}
}

func TestOutOfOrderSnapshotRederivesNeighbor(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	t1, t2 := t0.Add(30*time.Minute), t0.Add(time.Hour)
	d := newDeriver(store, t2.Add(time.Minute))
	ctx := context.Background()

	insertAll(t, store, snap(t0, 2.0), snap(t2, 5.3))
	if _, err := d.OnInserted(ctx, domain.SnapshotInserted{MachineID: "awg-1", CapturedAt: t2}); err != nil {
		t.Fatalf("on inserted t2: %v", err)
	}

	insertAll(t, store, snap(t1, 4.0))
	if _, err := d.OnInserted(ctx, domain.SnapshotInserted{MachineID: "awg-1", CapturedAt: t1}); err != nil {
		t.Fatalf("on inserted t1: %v", err)
	}

	events := levelEvents(t, store, domain.SourceLevelDelta)
	if len(events) != 2 {
		t.Fatalf("expected two events after backfill, got %+v", events)
	}
	if events[0].ProductionLiters != 2.0 || !events[0].OccurredAt.Equal(t1) {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].ProductionLiters != 1.3 || events[1].PreviousLevel != 4.0 {
		t.Fatalf("stale neighbor not re-derived: %+v", events[1])
	}
}

func TestOutOfOrderSnapshotRemovesObsoleteEventOnPoll(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	t1, t2 := t0.Add(30*time.Minute), t0.Add(time.Hour)
	d := newDeriver(store, t2.Add(time.Minute))
	ctx := context.Background()

	insertAll(t, store, snap(t0, 2.0), snap(t2, 5.3))
	if err := d.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	insertAll(t, store, snap(t1, 5.3))
	if err := d.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	events := levelEvents(t, store, domain.SourceLevelDelta)
	if len(events) != 1 || !events[0].OccurredAt.Equal(t1) || events[0].ProductionLiters != 3.3 {
		t.Fatalf("expected the rise attributed to t1 only, got %+v", events)
	}
}

func TestPollDerivesSnapshotsOlderThanLookback(t *testing.T) {
	ctx := context.Background()
	old := t0.Add(-72 * time.Hour)
	history := []domain.Snapshot{snap(old, 2.0), snap(old.Add(30*time.Minute), 5.3)}

	pushedStore := memstore.New(domain.Machine{ID: "awg-1"})
	pushed := newDeriver(pushedStore, t0)
	for _, s := range history {
		insertAll(t, pushedStore, s)
		if _, err := pushed.OnInserted(ctx, domain.SnapshotInserted{MachineID: s.MachineID, CapturedAt: s.CapturedAt}); err != nil {
			t.Fatalf("on inserted: %v", err)
		}
	}

	polledStore := memstore.New(domain.Machine{ID: "awg-1"})
	insertAll(t, polledStore, history...)
	if err := newDeriver(polledStore, t0).Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	from, to := old.Add(-time.Hour), t0.Add(time.Hour)
	got := eventsBetween(t, polledStore, from, to)
	if len(got) != 1 || got[0].ProductionLiters != 3.3 {
		t.Fatalf("expected the 3.3 L rise from 72h ago, got %+v", got)
	}
	sameEvents(t, eventsBetween(t, pushedStore, from, to), got)
}

func TestPollDerivesEdgeBackfillBelowLastCycle(t *testing.T) {
	ctx := context.Background()
	now := t0.Add(time.Minute)
	old := t0.Add(-72 * time.Hour)

	recent := []domain.Snapshot{
		signal(t0.Add(-90*time.Minute), 3, 1),
		signal(t0.Add(-60*time.Minute), 3, 0),
		signal(t0.Add(-30*time.Minute), 4, 1),
		signal(t0, 6, 0),
	}
	backfill := []domain.Snapshot{
		signal(old, 1.0, 1),
		signal(old.Add(time.Hour), 2.0, 0),
		signal(old.Add(2*time.Hour), 6.5, 1),
		signal(old.Add(3*time.Hour), 7.0, 0),
	}

	pushedStore := memstore.New(domain.Machine{ID: "awg-1"})
	pushed := newDeriver(pushedStore, now)
	for _, s := range append(append([]domain.Snapshot{}, recent...), backfill...) {
		insertAll(t, pushedStore, s)
		if _, err := pushed.OnInserted(ctx, domain.SnapshotInserted{MachineID: s.MachineID, CapturedAt: s.CapturedAt}); err != nil {
			t.Fatalf("on inserted: %v", err)
		}
	}

	polledStore := memstore.New(domain.Machine{ID: "awg-1"})
	polled := newDeriver(polledStore, now)
	insertAll(t, polledStore, recent...)
	if err := polled.Poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if n := len(levelEvents(t, polledStore, domain.SourceEdgeSignal)); n != 1 {
		t.Fatalf("expected the recent cycle before the backfill, got %d edge events", n)
	}
	insertAll(t, polledStore, backfill...)
	if err := polled.Poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	from, to := old.Add(-time.Hour), now
	got := eventsBetween(t, polledStore, from, to)
	var edge []domain.ProductionEvent
	for _, e := range got {
		if e.Source == domain.SourceEdgeSignal {
			edge = append(edge, e)
		}
	}
	if len(edge) != 2 || edge[0].ProductionLiters != 4.5 || !edge[0].OccurredAt.Equal(old.Add(3*time.Hour)) {
		t.Fatalf("expected the backfilled 4.5 L cycle and the recent one, got %+v", edge)
	}
	sameEvents(t, eventsBetween(t, pushedStore, from, to), got)
}

func TestCatchUpResumesAfterCursor(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	d := newDeriver(store, t0.Add(time.Hour))
	ctx := context.Background()

	insertAll(t, store, snap(t0, 1.0), snap(t0.Add(time.Minute), 2.0))
	if err := d.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if d.cursor != 2 {
		t.Fatalf("expected cursor at 2, got %d", d.cursor)
	}
	insertAll(t, store, snap(t0.Add(2*time.Minute), 3.0))
	if err := d.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if d.cursor != 3 {
		t.Fatalf("expected cursor at 3, got %d", d.cursor)
	}
	if n := len(levelEvents(t, store, domain.SourceLevelDelta)); n != 2 {
		t.Fatalf("expected two level-delta events, got %d", n)
	}
}

func TestCycleTrackerSignalSequence(t *testing.T) {
	levels := []float64{1.0, 2.0, 6.5, 7.0}
	signals := []float64{1, 0, 1, 0}
	var snaps []domain.Snapshot
	for i := range levels {
		snaps = append(snaps, signal(t0.Add(time.Duration(i)*time.Hour), levels[i], signals[i]))
	}

	_, events := CycleEvents(snaps, domain.NoiseThreshold)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %+v", events)
	}
	e := events[0]
	if e.ProductionLiters != 4.5 || e.PreviousLevel != 2.0 || e.CurrentLevel != 6.5 {
		t.Fatalf("expected production L2-L1=4.5, got %+v", e)
	}
	if e.Source != domain.SourceEdgeSignal || !e.OccurredAt.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("unexpected event identity: %+v", e)
	}
}

func TestCycleTrackerClampsDropsToZero(t *testing.T) {
	snaps := []domain.Snapshot{
		signal(t0, 5, 1),
		signal(t0.Add(time.Hour), 5, 0),
		signal(t0.Add(2*time.Hour), 3, 1),
		signal(t0.Add(3*time.Hour), 3, 0),
	}
	tracker, events := CycleEvents(snaps, domain.NoiseThreshold)
	if len(events) != 0 {
		t.Fatalf("level drop must not produce an event: %+v", events)
	}
	closed := tracker.Closed()
	if len(closed) != 1 || closed[0].Production != 0 {
		t.Fatalf("expected one closed zero cycle, got %+v", closed)
	}
}

func TestRate(t *testing.T) {
	if r := Rate(nil); r != 0 {
		t.Fatalf("expected 0 with no cycles, got %v", r)
	}
	one := []Cycle{{Start: t0, End: t0.Add(time.Hour), Production: 3}}
	if r := Rate(one); r != 0 {
		t.Fatalf("expected 0 with one cycle, got %v", r)
	}

	cycles := []Cycle{
		{Start: t0, End: t0.Add(time.Hour), Production: 100},
		{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour), Production: 2},
		{Start: t0.Add(2 * time.Hour), End: t0.Add(3 * time.Hour), Production: 4},
		{Start: t0.Add(3 * time.Hour), End: t0.Add(4 * time.Hour), Production: 6},
	}
	// last three cycles: 12 L over 3 hours
	if r := Rate(cycles); math.Abs(r-4) > 1e-9 {
		t.Fatalf("expected 4 L/h, got %v", r)
	}
}

func TestDeriverEdgeEventsAndRate(t *testing.T) {
	store := memstore.New(domain.Machine{ID: "awg-1"})
	seq := []struct{ level, sig float64 }{
		{1, 1}, {1, 0}, {2, 1}, {3, 0}, {4, 1}, {5, 0}, {6, 1}, {8, 0},
	}
	var last time.Time
	for i, r := range seq {
		last = t0.Add(time.Duration(i) * 30 * time.Minute)
		insertAll(t, store, signal(last, r.level, r.sig))
	}
	d := newDeriver(store, last.Add(time.Minute))
	ctx := context.Background()

	if _, err := d.DeriveEdge(ctx, "awg-1"); err != nil {
		t.Fatalf("derive edge: %v", err)
	}
	if _, err := d.DeriveEdge(ctx, "awg-1"); err != nil {
		t.Fatalf("derive edge again: %v", err)
	}
	events := levelEvents(t, store, domain.SourceEdgeSignal)
	if len(events) != 3 {
		t.Fatalf("expected three closed cycles with production, got %+v", events)
	}

	rate, err := d.Rate(ctx, "awg-1")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate <= 0 {
		t.Fatalf("expected positive rate, got %v", rate)
	}
}

func TestFanInMergesNotifiers(t *testing.T) {
	a, b := memstore.NewBroadcaster(2), memstore.NewBroadcaster(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := FanIn(a, nil, b).Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	a.Publish(domain.SnapshotInserted{MachineID: "a"})
	b.Publish(domain.SnapshotInserted{MachineID: "b"})

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case n := <-ch:
			seen[n.MachineID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
}

var _ ports.SnapshotNotifier = FanIn()
