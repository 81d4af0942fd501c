package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeBackfill    Mode = "backfill"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeBackfill:
		return ModeBackfill, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidMode, s)
}

type Config struct {
	Source  Source
	Workers int
	// SampleGap marks a status sample disconnected when it follows a longer
	// silence. It must exceed the capture interval.
	SampleGap        time.Duration
	FullWaterPercent float64
}

// Result reports one aggregation run. Errors holds one entry per failed
// machine; the other machines are still processed.
type Result struct {
	RunID            string    `json:"run_id"`
	Mode             Mode      `json:"mode"`
	MachineID        string    `json:"machine_id,omitempty"`
	ProcessedBuckets int       `json:"processed_buckets"`
	Errors           []string  `json:"errors"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

type Runner struct {
	cfg       Config
	snapshots ports.SnapshotStore
	events    ports.EventStore
	buckets   ports.BucketStore
	machines  ports.MachineRegistry
	obs       ports.Observability
	now       func() time.Time
}

func NewRunner(cfg Config, stores ports.Stores, obs ports.Observability) *Runner {
	if cfg.Source == "" {
		cfg.Source = SourceLevelDelta
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SampleGap <= 0 {
		cfg.SampleGap = time.Hour
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Runner{
		cfg:       cfg,
		snapshots: stores.Snapshots,
		events:    stores.Events,
		buckets:   stores.Buckets,
		machines:  stores.Machines,
		obs:       obs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run aggregates one machine, or every registered machine when machineID is
// empty. Only an unknown machine or a failing registry returns an error.
func (r *Runner) Run(ctx context.Context, mode Mode, machineID string) (Result, error) {
	res := Result{
		RunID:     uuid.NewString(),
		Mode:      mode,
		MachineID: machineID,
		Errors:    []string{},
		StartedAt: r.now(),
	}
	if mode != ModeIncremental && mode != ModeBackfill {
		return res, fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}

	var machines []domain.Machine
	if machineID != "" {
		m, err := r.machines.Machine(ctx, machineID)
		if err != nil {
			return res, err
		}
		machines = []domain.Machine{m}
	} else {
		all, err := r.machines.Machines(ctx)
		if err != nil {
			return res, fmt.Errorf("list machines: %w", err)
		}
		machines = all
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			n, err := r.AggregateMachine(gctx, m, mode)
			mu.Lock()
			defer mu.Unlock()
			res.ProcessedBuckets += n
			if err != nil {
				r.obs.IncCounter(ports.MetricJobErrors, 1)
				r.obs.LogError("aggregate_failed", err,
					ports.Field{Key: "run_id", Value: res.RunID},
					ports.Field{Key: "machine_id", Value: m.ID},
					ports.Field{Key: "mode", Value: string(mode)})
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", m.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	res.FinishedAt = r.now()
	r.obs.ObserveLatency(ports.MetricJobDuration, res.FinishedAt.Sub(res.StartedAt).Seconds())
	r.obs.LogInfo("aggregate_finished",
		ports.Field{Key: "run_id", Value: res.RunID},
		ports.Field{Key: "mode", Value: string(mode)},
		ports.Field{Key: "machines", Value: len(machines)},
		ports.Field{Key: "processed_buckets", Value: res.ProcessedBuckets},
		ports.Field{Key: "errors", Value: len(res.Errors)})
	return res, nil
}

// Loop runs incremental aggregation every interval until ctx is done.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Run(ctx, ModeIncremental, ""); err != nil {
			r.obs.LogError("aggregate_run_failed", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// AggregateMachine recomputes the buckets of m and returns how many were
// written. Incremental runs restart at the watermark day; a machine without
// a watermark is backfilled.
func (r *Runner) AggregateMachine(ctx context.Context, m domain.Machine, mode Mode) (int, error) {
	today := PeriodStart(domain.Daily, r.now())

	from, ok, err := r.startDay(ctx, m.ID, mode)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if from.After(today) {
		from = today
	}

	written, err := r.writeDays(ctx, m, from, today)
	if err != nil {
		return written, err
	}
	for _, g := range domain.Granularities[1:] {
		// The first touched period of a level is the one containing the
		// first touched period of the level below.
		from = PeriodStart(g, from)
		n, err := r.rollUp(ctx, m.ID, g, from, today)
		written += n
		if err != nil {
			return written, err
		}
	}

	if err := r.buckets.SetWatermark(ctx, m.ID, today); err != nil {
		return written, fmt.Errorf("set watermark: %w", err)
	}
	r.obs.IncCounter(ports.MetricBucketsWritten, float64(written))
	return written, nil
}

func (r *Runner) startDay(ctx context.Context, machineID string, mode Mode) (time.Time, bool, error) {
	if mode == ModeIncremental {
		wm, ok, err := r.buckets.Watermark(ctx, machineID)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("load watermark: %w", err)
		}
		if ok {
			return PeriodStart(domain.Daily, wm), true, nil
		}
	}

	var first time.Time
	e, err := r.events.Earliest(ctx, machineID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest event: %w", err)
	}
	if e != nil {
		first = e.OccurredAt
	}
	s, err := r.snapshots.Earliest(ctx, machineID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest snapshot: %w", err)
	}
	if s != nil && (first.IsZero() || s.CapturedAt.Before(first)) {
		first = s.CapturedAt
	}
	if first.IsZero() {
		return time.Time{}, false, nil
	}
	return PeriodStart(domain.Daily, first), true, nil
}

// writeDays upserts one daily bucket per day in [from, through], including
// days without events.
func (r *Runner) writeDays(ctx context.Context, m domain.Machine, from, through time.Time) (int, error) {
	end := NextPeriod(domain.Daily, through)

	events, err := r.events.Range(ctx, m.ID, from, end)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	byDay := make(map[time.Time][]domain.ProductionEvent)
	for _, e := range events {
		day := PeriodStart(domain.Daily, e.OccurredAt)
		byDay[day] = append(byDay[day], e)
	}

	snaps, err := r.snapshots.Range(ctx, m.ID, from, end.Add(-time.Nanosecond))
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	var prev *domain.Snapshot
	if len(snaps) > 0 {
		if prev, _, err = r.snapshots.Neighbors(ctx, m.ID, snaps[0].CapturedAt); err != nil {
			return 0, fmt.Errorf("load previous snapshot: %w", err)
		}
	}
	samples := countSamples(snaps, prev, SampleRules{
		GapThreshold:     r.cfg.SampleGap,
		CapacityLiters:   m.CapacityLiters,
		FullWaterPercent: r.cfg.FullWaterPercent,
	})

	written := 0
	for _, day := range Periods(domain.Daily, from, through) {
		total, count := dailyTotal(byDay[day], r.cfg.Source)
		b := newBucket(m.ID, domain.Daily, day, total, count, samples[day])
		if err := r.buckets.Upsert(ctx, b); err != nil {
			return written, fmt.Errorf("upsert %s %s: %w", b.Granularity, b.PeriodKey, err)
		}
		written++
	}
	return written, nil
}

// rollUp rebuilds every g bucket in [from, through] from the stored buckets
// one level down.
func (r *Runner) rollUp(ctx context.Context, machineID string, g domain.Granularity, from, through time.Time) (int, error) {
	written := 0
	for _, start := range Periods(g, from, through) {
		children, err := r.buckets.BucketsInRange(ctx, machineID, child(g), start, NextPeriod(g, start))
		if err != nil {
			return written, fmt.Errorf("load %s buckets: %w", child(g), err)
		}
		total, events, counts := sumBuckets(children)
		b := newBucket(machineID, g, start, total, events, counts)
		if err := r.buckets.Upsert(ctx, b); err != nil {
			return written, fmt.Errorf("upsert %s %s: %w", g, b.PeriodKey, err)
		}
		written++
	}
	return written, nil
}
