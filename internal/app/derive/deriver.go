package derive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// catchUpBatch is the page size of one InsertedSince read.
const catchUpBatch = 500

type Config struct {
	Noise float64
	// Lookback is the window re-derived on every poll.
	Lookback time.Duration
	// EdgeHorizon bounds how far back the edge derivator looks for the
	// boundary of the last known cycle.
	EdgeHorizon time.Duration
	// RateHorizon is the snapshot history scanned to compute the cycle rate.
	RateHorizon time.Duration
	Workers     int
}

func (c *Config) applyDefaults() {
	if c.Noise <= 0 {
		c.Noise = domain.NoiseThreshold
	}
	if c.Lookback <= 0 {
		c.Lookback = 2 * time.Hour
	}
	if c.EdgeHorizon <= 0 {
		c.EdgeHorizon = 7 * 24 * time.Hour
	}
	if c.RateHorizon <= 0 {
		c.RateHorizon = 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
}

// Deriver keeps the event store in line with the snapshot store. Both the
// push path and the poll path reconcile a window of snapshots against the
// events already stored, so either trigger yields the same event set. The
// poll path also replays every insert past its cursor, whatever the capture
// time, so nothing the push path missed is skipped.
type Deriver struct {
	cfg       Config
	snapshots ports.SnapshotStore
	events    ports.EventStore
	machines  ports.MachineRegistry
	obs       ports.Observability
	now       func() time.Time

	mu     sync.Mutex
	cursor int64
}

func NewDeriver(cfg Config, snapshots ports.SnapshotStore, events ports.EventStore, machines ports.MachineRegistry, obs ports.Observability) *Deriver {
	cfg.applyDefaults()
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Deriver{
		cfg:       cfg,
		snapshots: snapshots,
		events:    events,
		machines:  machines,
		obs:       obs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes notifications from notifier and polls every interval until
// ctx is done. A nil notifier, or one that fails, leaves polling only.
func (d *Deriver) Run(ctx context.Context, notifier ports.SnapshotNotifier, interval time.Duration) error {
	var notes <-chan domain.SnapshotInserted
	if notifier != nil {
		ch, err := notifier.Subscribe(ctx)
		if err != nil {
			d.obs.LogError("derive_subscribe_failed", err)
		} else {
			notes = ch
		}
	}

	if err := d.Poll(ctx); err != nil {
		d.obs.LogError("derive_poll_failed", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				notes = nil
				if ctx.Err() == nil {
					d.obs.LogInfo("derive_push_closed_polling_only")
				}
				continue
			}
			if _, err := d.OnInserted(ctx, n); err != nil {
				d.obs.IncCounter(ports.MetricJobErrors, 1)
				d.obs.LogError("derive_failed", err,
					ports.Field{Key: "machine_id", Value: n.MachineID},
					ports.Field{Key: "captured_at", Value: n.CapturedAt})
			}
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil {
				d.obs.LogError("derive_poll_failed", err)
			}
		}
	}
}

// OnInserted derives the pair ending at the new snapshot and, when the
// snapshot arrived out of order, re-derives the pair it now precedes.
func (d *Deriver) OnInserted(ctx context.Context, n domain.SnapshotInserted) (int, error) {
	window, cur, err := d.insertWindow(ctx, n)
	if err != nil || cur == nil {
		return 0, err
	}

	written, err := d.reconcileLevelDelta(ctx, n.MachineID, window)
	if err != nil {
		return written, err
	}
	if cur.Collector == nil {
		return written, nil
	}
	edge, err := d.deriveEdge(ctx, n.MachineID, n.CapturedAt)
	return written + edge, err
}

// insertWindow returns the snapshot named by n with its stored neighbors,
// oldest first. cur is nil when the snapshot is gone.
func (d *Deriver) insertWindow(ctx context.Context, n domain.SnapshotInserted) (window []domain.Snapshot, cur *domain.Snapshot, err error) {
	latest, err := d.snapshots.LatestTwo(ctx, n.MachineID)
	if err != nil {
		return nil, nil, fmt.Errorf("load latest snapshots: %w", err)
	}
	if len(latest) > 0 && latest[0].CapturedAt.Equal(n.CapturedAt) {
		// In order: the pair is the two newest snapshots.
		if len(latest) == 2 {
			window = append(window, latest[1])
		}
		window = append(window, latest[0])
		return window, &latest[0], nil
	}

	found, err := d.snapshots.Range(ctx, n.MachineID, n.CapturedAt, n.CapturedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(found) == 0 {
		return nil, nil, nil
	}
	prev, next, err := d.snapshots.Neighbors(ctx, n.MachineID, n.CapturedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("load neighbors: %w", err)
	}
	if prev != nil {
		window = append(window, *prev)
	}
	window = append(window, found[0])
	if next != nil {
		window = append(window, *next)
	}
	return window, &found[0], nil
}

// CatchUp runs OnInserted for every snapshot inserted since the previous
// call, in insertion order. Backfills, notifications dropped by a slow
// subscriber and writes made while this process was down all land here.
func (d *Deriver) CatchUp(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		batch, err := d.snapshots.InsertedSince(ctx, d.cursor, catchUpBatch)
		if err != nil {
			return fmt.Errorf("load inserted snapshots: %w", err)
		}
		for _, n := range batch {
			if n.Seq <= d.cursor {
				return fmt.Errorf("insert sequence %d does not advance past %d", n.Seq, d.cursor)
			}
			if _, err := d.OnInserted(ctx, n); err != nil {
				return fmt.Errorf("%s@%s: %w", n.MachineID, n.CapturedAt.Format(time.RFC3339), err)
			}
			d.cursor = n.Seq
		}
		if len(batch) < catchUpBatch {
			return nil
		}
	}
}

// Poll catches up on inserts, then re-derives the lookback window of every
// machine, one bounded worker per machine. A failing machine does not stop
// the others.
func (d *Deriver) Poll(ctx context.Context) error {
	start := time.Now()
	defer func() { d.obs.ObserveLatency(ports.MetricJobDuration, time.Since(start).Seconds()) }()

	var catchUpErr error
	if err := d.CatchUp(ctx); err != nil {
		d.obs.IncCounter(ports.MetricJobErrors, 1)
		catchUpErr = fmt.Errorf("catch up: %w", err)
	}

	machines, err := d.machines.Machines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	errs := make([]error, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			if _, err := d.DeriveMachine(gctx, m.ID); err != nil {
				d.obs.IncCounter(ports.MetricJobErrors, 1)
				d.obs.LogError("derive_failed", err, ports.Field{Key: "machine_id", Value: m.ID})
				errs[i] = fmt.Errorf("%s: %w", m.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(append(errs, catchUpErr)...)
}

// DeriveMachine runs both estimators for one machine.
func (d *Deriver) DeriveMachine(ctx context.Context, machineID string) (int, error) {
	now := d.now()
	written, err := d.DeriveLevelDelta(ctx, machineID, now.Add(-d.cfg.Lookback), now)
	if err != nil {
		return written, err
	}
	edge, err := d.DeriveEdge(ctx, machineID)
	return written + edge, err
}

// DeriveLevelDelta reconciles level-delta events for all consecutive
// snapshot pairs in [from, to].
func (d *Deriver) DeriveLevelDelta(ctx context.Context, machineID string, from, to time.Time) (int, error) {
	snaps, err := d.snapshots.Range(ctx, machineID, from, to)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	return d.reconcileLevelDelta(ctx, machineID, snaps)
}

func (d *Deriver) reconcileLevelDelta(ctx context.Context, machineID string, snaps []domain.Snapshot) (int, error) {
	if len(snaps) < 2 {
		return 0, nil
	}
	desired := LevelDeltas(snaps, d.cfg.Noise)
	// The first snapshot's own event depends on a snapshot outside the window.
	return d.reconcile(ctx, machineID, domain.SourceLevelDelta, desired, snaps[0].CapturedAt, snaps[len(snaps)-1].CapturedAt)
}

// DeriveEdge re-runs the cycle tracker up to now, starting at the boundary
// of the last edge event or the lookback window, whichever is earlier. With
// no edge event yet it scans the whole edge horizon.
func (d *Deriver) DeriveEdge(ctx context.Context, machineID string) (int, error) {
	return d.deriveEdge(ctx, machineID, d.now())
}

// deriveEdge re-runs the cycle tracker from the last edge boundary before
// at through now.
func (d *Deriver) deriveEdge(ctx context.Context, machineID string, at time.Time) (int, error) {
	now := d.now()
	from, err := d.edgeScanStart(ctx, machineID, at)
	if err != nil {
		return 0, err
	}
	snaps, err := d.snapshots.Range(ctx, machineID, from, now)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	tracker, desired := CycleEvents(snaps, d.cfg.Noise)
	first, ok := tracker.FirstBoundary()
	if !ok {
		return 0, nil
	}
	return d.reconcile(ctx, machineID, domain.SourceEdgeSignal, desired, first, snaps[len(snaps)-1].CapturedAt)
}

func (d *Deriver) edgeScanStart(ctx context.Context, machineID string, at time.Time) (time.Time, error) {
	lookback := d.now().Add(-d.cfg.Lookback)
	horizon := at.Add(-d.cfg.EdgeHorizon)

	events, err := d.events.Range(ctx, machineID, horizon, at.Add(time.Nanosecond))
	if err != nil {
		return time.Time{}, fmt.Errorf("load edge events: %w", err)
	}
	var last *domain.ProductionEvent
	for i := range events {
		if events[i].Source == domain.SourceEdgeSignal {
			last = &events[i]
		}
	}
	if last == nil {
		return horizon, nil
	}
	// The last event's boundary opened the cycle still in progress; start
	// one reading earlier so the tracker sees that edge again.
	start := last.OccurredAt
	prev, _, err := d.snapshots.Neighbors(ctx, machineID, last.OccurredAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("load boundary neighbor: %w", err)
	}
	if prev != nil {
		start = prev.CapturedAt
	}
	if lookback.Before(start) {
		return lookback, nil
	}
	return start, nil
}

// reconcile makes the stored events of source in (after, through] equal to
// desired. It returns the number of events inserted or replaced.
func (d *Deriver) reconcile(ctx context.Context, machineID string, source domain.EventSource, desired []domain.ProductionEvent, after, through time.Time) (int, error) {
	stored, err := d.events.Range(ctx, machineID, after.Add(time.Nanosecond), through.Add(time.Nanosecond))
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	existing := make(map[int64]domain.ProductionEvent, len(stored))
	for _, e := range stored {
		if e.Source == source {
			existing[e.OccurredAt.UnixNano()] = e
		}
	}

	written := 0
	for _, e := range desired {
		if !e.OccurredAt.After(after) || e.OccurredAt.After(through) {
			continue
		}
		key := e.OccurredAt.UnixNano()
		old, ok := existing[key]
		delete(existing, key)
		switch {
		case !ok:
			inserted, err := d.events.Insert(ctx, e)
			if err != nil {
				return written, fmt.Errorf("insert event at %s: %w", e.OccurredAt.Format(time.RFC3339), err)
			}
			if inserted {
				written++
			}
		case !sameEvent(old, e):
			e := e
			if err := d.events.Replace(ctx, machineID, source, e.OccurredAt, &e); err != nil {
				return written, fmt.Errorf("replace event at %s: %w", e.OccurredAt.Format(time.RFC3339), err)
			}
			written++
			d.obs.LogInfo("event_rederived",
				ports.Field{Key: "machine_id", Value: machineID},
				ports.Field{Key: "source", Value: string(source)},
				ports.Field{Key: "occurred_at", Value: e.OccurredAt},
				ports.Field{Key: "previous_production", Value: old.ProductionLiters},
				ports.Field{Key: "production", Value: e.ProductionLiters})
		}
	}

	for _, stale := range existing {
		if err := d.events.Replace(ctx, machineID, source, stale.OccurredAt, nil); err != nil {
			return written, fmt.Errorf("remove event at %s: %w", stale.OccurredAt.Format(time.RFC3339), err)
		}
		d.obs.LogInfo("event_removed",
			ports.Field{Key: "machine_id", Value: machineID},
			ports.Field{Key: "source", Value: string(source)},
			ports.Field{Key: "occurred_at", Value: stale.OccurredAt})
	}

	if written > 0 {
		d.obs.IncCounter(ports.MetricEventsDerived, float64(written))
	}
	return written, nil
}

func sameEvent(a, b domain.ProductionEvent) bool {
	return a.ProductionLiters == b.ProductionLiters &&
		a.PreviousLevel == b.PreviousLevel &&
		a.CurrentLevel == b.CurrentLevel
}

// Rate returns the recent edge-signal production rate in liters per hour.
func (d *Deriver) Rate(ctx context.Context, machineID string) (float64, error) {
	if _, err := d.machines.Machine(ctx, machineID); err != nil {
		return 0, err
	}
	now := d.now()
	snaps, err := d.snapshots.Range(ctx, machineID, now.Add(-d.cfg.RateHorizon), now)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	tracker, _ := CycleEvents(snaps, d.cfg.Noise)
	return tracker.Rate(), nil
}
