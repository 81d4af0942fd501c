// Package memstore keeps every store contract in process memory. It backs
// the "memory" store driver and the package tests of the app layer.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type eventKey struct {
	source domain.EventSource
	at     int64
}

type bucketKey struct {
	g   domain.Granularity
	key string
}

// Store is a single mutex-guarded set of per-machine tables.
type Store struct {
	mu         sync.Mutex
	snapshots  map[string][]domain.Snapshot
	events     map[string]map[eventKey]domain.ProductionEvent
	buckets    map[string]map[bucketKey]domain.Bucket
	watermarks map[string]time.Time
	machines   []domain.Machine
	// inserted is the insertion log backing InsertedSince; seq of entry i is i+1.
	inserted []domain.SnapshotInserted
}

func New(machines ...domain.Machine) *Store {
	return &Store{
		snapshots:  make(map[string][]domain.Snapshot),
		events:     make(map[string]map[eventKey]domain.ProductionEvent),
		buckets:    make(map[string]map[bucketKey]domain.Bucket),
		watermarks: make(map[string]time.Time),
		machines:   append([]domain.Machine(nil), machines...),
	}
}

// Stores exposes the Store through every port it implements.
func (s *Store) Stores() ports.Stores {
	return ports.Stores{
		Snapshots: SnapshotView{s},
		Events:    EventView{s},
		Buckets:   BucketView{s},
		Resetter:  s,
		Machines:  s,
	}
}

func (s *Store) ResetMachine(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, machineID)
	delete(s.events, machineID)
	delete(s.buckets, machineID)
	delete(s.watermarks, machineID)
	return nil
}

func (s *Store) Machines(context.Context) ([]domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Machine(nil), s.machines...), nil
}

func (s *Store) Machine(_ context.Context, id string) (domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Machine{}, domain.ErrUnknownMachine
}

// SnapshotView implements ports.SnapshotStore.
type SnapshotView struct{ s *Store }

func (v SnapshotView) Insert(_ context.Context, snap domain.Snapshot) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	snap.CapturedAt = snap.CapturedAt.UTC()
	list := v.s.snapshots[snap.MachineID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].CapturedAt.Before(snap.CapturedAt) })
	if i < len(list) && list[i].CapturedAt.Equal(snap.CapturedAt) {
		return false, nil
	}
	list = append(list, domain.Snapshot{})
	copy(list[i+1:], list[i:])
	list[i] = snap
	v.s.snapshots[snap.MachineID] = list
	v.s.inserted = append(v.s.inserted, domain.SnapshotInserted{
		MachineID:  snap.MachineID,
		CapturedAt: snap.CapturedAt,
		Seq:        int64(len(v.s.inserted) + 1),
	})
	return true, nil
}

func (v SnapshotView) InsertedSince(_ context.Context, after int64, limit int) ([]domain.SnapshotInserted, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(v.s.inserted)) {
		return nil, nil
	}
	out := v.s.inserted[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.SnapshotInserted(nil), out...), nil
}

func (v SnapshotView) LatestTwo(_ context.Context, machineID string) ([]domain.Snapshot, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	list := v.s.snapshots[machineID]
	out := make([]domain.Snapshot, 0, 2)
	for i := len(list) - 1; i >= 0 && len(out) < 2; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (v SnapshotView) Range(_ context.Context, machineID string, from, to time.Time) ([]domain.Snapshot, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.Snapshot
	for _, snap := range v.s.snapshots[machineID] {
		if snap.CapturedAt.Before(from) || snap.CapturedAt.After(to) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (v SnapshotView) Neighbors(_ context.Context, machineID string, at time.Time) (*domain.Snapshot, *domain.Snapshot, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var prev, next *domain.Snapshot
	for _, snap := range v.s.snapshots[machineID] {
		snap := snap
		switch {
		case snap.CapturedAt.Before(at):
			prev = &snap
		case snap.CapturedAt.After(at) && next == nil:
			next = &snap
		}
	}
	return prev, next, nil
}

func (v SnapshotView) Earliest(_ context.Context, machineID string) (*domain.Snapshot, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	list := v.s.snapshots[machineID]
	if len(list) == 0 {
		return nil, nil
	}
	first := list[0]
	return &first, nil
}

func (v SnapshotView) Latest(_ context.Context, machineID string) (*domain.Snapshot, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	list := v.s.snapshots[machineID]
	if len(list) == 0 {
		return nil, nil
	}
	last := list[len(list)-1]
	return &last, nil
}

// EventView implements ports.EventStore.
type EventView struct{ s *Store }

func (v EventView) Insert(_ context.Context, e domain.ProductionEvent) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e.OccurredAt = e.OccurredAt.UTC()
	m := v.s.events[e.MachineID]
	if m == nil {
		m = make(map[eventKey]domain.ProductionEvent)
		v.s.events[e.MachineID] = m
	}
	k := eventKey{source: e.Source, at: e.OccurredAt.UnixNano()}
	if _, ok := m[k]; ok {
		return false, nil
	}
	m[k] = e
	return true, nil
}

func (v EventView) Replace(_ context.Context, machineID string, source domain.EventSource, at time.Time, e *domain.ProductionEvent) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m := v.s.events[machineID]
	if m == nil {
		m = make(map[eventKey]domain.ProductionEvent)
		v.s.events[machineID] = m
	}
	k := eventKey{source: source, at: at.UTC().UnixNano()}
	if e == nil {
		delete(m, k)
		return nil
	}
	ev := *e
	ev.OccurredAt = ev.OccurredAt.UTC()
	m[k] = ev
	return nil
}

func (v EventView) SumInRange(ctx context.Context, machineID string, source domain.EventSource, from, to time.Time) (float64, error) {
	events, err := v.Range(ctx, machineID, from, to)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, e := range events {
		if source == "" || e.Source == source {
			sum += e.ProductionLiters
		}
	}
	return sum, nil
}

func (v EventView) Range(_ context.Context, machineID string, from, to time.Time) ([]domain.ProductionEvent, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.ProductionEvent
	for _, e := range v.s.events[machineID] {
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sortEvents(out)
	return out, nil
}

func (v EventView) Earliest(_ context.Context, machineID string) (*domain.ProductionEvent, error) {
	return v.edge(machineID, true), nil
}

func (v EventView) Latest(_ context.Context, machineID string) (*domain.ProductionEvent, error) {
	return v.edge(machineID, false), nil
}

func (v EventView) edge(machineID string, first bool) *domain.ProductionEvent {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out *domain.ProductionEvent
	for _, e := range v.s.events[machineID] {
		e := e
		if out == nil || (first && e.OccurredAt.Before(out.OccurredAt)) || (!first && e.OccurredAt.After(out.OccurredAt)) {
			out = &e
		}
	}
	return out
}

func sortEvents(events []domain.ProductionEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].Source < events[j].Source
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}

// BucketView implements ports.BucketStore.
type BucketView struct{ s *Store }

func (v BucketView) Upsert(_ context.Context, b domain.Bucket) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m := v.s.buckets[b.MachineID]
	if m == nil {
		m = make(map[bucketKey]domain.Bucket)
		v.s.buckets[b.MachineID] = m
	}
	m[bucketKey{g: b.Granularity, key: b.PeriodKey}] = b
	return nil
}

func (v BucketView) Buckets(_ context.Context, machineID string, g domain.Granularity, limit int) ([]domain.Bucket, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.Bucket
	for k, b := range v.s.buckets[machineID] {
		if k.g == g {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v BucketView) BucketsInRange(_ context.Context, machineID string, g domain.Granularity, from, to time.Time) ([]domain.Bucket, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.Bucket
	for k, b := range v.s.buckets[machineID] {
		if k.g != g || b.PeriodStart.Before(from) || !b.PeriodStart.Before(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (v BucketView) Watermark(_ context.Context, machineID string) (time.Time, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	wm, ok := v.s.watermarks[machineID]
	return wm, ok, nil
}

func (v BucketView) SetWatermark(_ context.Context, machineID string, day time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.watermarks[machineID] = day.UTC()
	return nil
}

var (
	_ ports.SnapshotStore   = SnapshotView{}
	_ ports.EventStore      = EventView{}
	_ ports.BucketStore     = BucketView{}
	_ ports.Resetter        = (*Store)(nil)
	_ ports.MachineRegistry = (*Store)(nil)
)
