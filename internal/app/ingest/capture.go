package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type CaptureConfig struct {
	Window  time.Duration
	Workers int
}

// Capture reads the latest telemetry point of every bound machine and
// records it as a snapshot. Snapshots pass through the spool so a failed
// store write is retried on the next tick.
type Capture struct {
	cfg       CaptureConfig
	rec       *Recorder
	telemetry ports.TelemetrySource
	machines  ports.MachineRegistry
	spool     ports.SnapshotSpool
	obs       ports.Observability
}

// NewCapture accepts a nil spool; captured snapshots then go straight to the store.
func NewCapture(cfg CaptureConfig, rec *Recorder, telemetry ports.TelemetrySource, machines ports.MachineRegistry, spool ports.SnapshotSpool, obs ports.Observability) *Capture {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Capture{cfg: cfg, rec: rec, telemetry: telemetry, machines: machines, spool: spool, obs: obs}
}

// Run captures every interval until ctx is done.
func (c *Capture) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Tick(ctx); err != nil {
			c.obs.LogError("capture_tick_failed", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick replays the spool, then captures all bound machines. Per-machine
// failures are joined into the returned error.
func (c *Capture) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { c.obs.ObserveLatency(ports.MetricJobDuration, time.Since(start).Seconds()) }()

	var errs []error
	if err := c.Replay(ctx); err != nil {
		errs = append(errs, err)
	}

	machines, err := c.machines.Machines(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list machines: %w", err))...)
	}

	var (
		mu       sync.Mutex
		captured []domain.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, m := range machines {
		if !m.Bound() {
			continue
		}
		m := m
		g.Go(func() error {
			snap, err := c.read(gctx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.obs.IncCounter(ports.MetricJobErrors, 1)
				c.obs.LogError("capture_failed", err, ports.Field{Key: "machine_id", Value: m.ID})
				errs = append(errs, err)
				return nil
			}
			captured = append(captured, snap)
			return nil
		})
	}
	_ = g.Wait()

	for _, snap := range captured {
		if _, err := c.store(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if c.spool != nil {
		c.obs.SetGauge(ports.MetricSpoolSizeBytes, float64(c.spool.Stats().SizeBytes))
	}
	return errors.Join(errs...)
}

// CaptureMachine reads and stores one snapshot for m.
func (c *Capture) CaptureMachine(ctx context.Context, m domain.Machine) (bool, error) {
	snap, err := c.read(ctx, m)
	if err != nil {
		return false, err
	}
	return c.store(ctx, snap)
}

func (c *Capture) read(ctx context.Context, m domain.Machine) (domain.Snapshot, error) {
	p, err := c.telemetry.QueryLatest(ctx, m.DeviceKey, ports.CaptureFields, c.cfg.Window)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("telemetry %s for %s: %w", c.telemetry.Name(), m.ID, err)
	}
	if p == nil {
		return domain.Snapshot{}, fmt.Errorf("%s: %w", m.ID, domain.ErrNoTelemetry)
	}
	return SnapshotFromPoint(m.ID, p)
}

// SnapshotFromPoint builds a snapshot from a telemetry point. A point
// without a level is rejected rather than recorded as zero.
func SnapshotFromPoint(machineID string, p *ports.Point) (domain.Snapshot, error) {
	raw, ok := p.Fields[ports.FieldLevel]
	if !ok || raw == nil {
		return domain.Snapshot{}, fmt.Errorf("%s: point has no %s field: %w", machineID, ports.FieldLevel, domain.ErrNoTelemetry)
	}
	flags := status.FlagsFromPoint(p)
	snap := domain.Snapshot{
		MachineID:  machineID,
		WaterLevel: status.FlagValue(raw),
		CapturedAt: p.Time.UTC(),
		Flags:      &flags,
	}
	if v, ok := p.Fields[ports.FieldCollector]; ok && v != nil {
		col := status.FlagValue(v)
		snap.Collector = &col
	}
	return snap, nil
}

func (c *Capture) store(ctx context.Context, snap domain.Snapshot) (bool, error) {
	if err := Validate(snap); err != nil {
		c.obs.RecordRejected(&snap, err)
		return false, err
	}
	if c.spool == nil {
		return c.rec.RecordSnapshot(ctx, snap)
	}

	stats := c.spool.Stats()
	id, err := c.spool.Append(&snap)
	if err != nil {
		c.obs.LogCritical("spool_append_failed", err, ports.Field{Key: "machine_id", Value: snap.MachineID})
		return c.rec.RecordSnapshot(ctx, snap)
	}
	inserted, err := c.rec.RecordSnapshot(ctx, snap)
	if err != nil {
		return false, err
	}
	// Committing past an older pending entry would lose it.
	if stats.OldestUncommitted > stats.LatestAppended {
		if err := c.spool.Commit(id); err != nil {
			c.obs.LogError("spool_commit_failed", err)
		}
	}
	return inserted, nil
}

type spooled struct {
	id   ports.WALEntryID
	snap domain.Snapshot
}

// Replay re-submits uncommitted spool entries in order and commits up to the
// first one that still fails. Malformed entries are dropped.
func (c *Capture) Replay(ctx context.Context) error {
	if c.spool == nil {
		return nil
	}
	stats := c.spool.Stats()
	if stats.OldestUncommitted > stats.LatestAppended {
		return nil
	}

	var pending []spooled
	err := c.spool.Iterate(stats.OldestUncommitted, func(id ports.WALEntryID, s *domain.Snapshot) error {
		pending = append(pending, spooled{id: id, snap: *s})
		return nil
	})
	if err != nil {
		return fmt.Errorf("spool iterate: %w", err)
	}

	var done ports.WALEntryID
	for _, p := range pending {
		_, err := c.rec.RecordSnapshot(ctx, p.snap)
		if err != nil && !isInputError(err) {
			c.commit(done)
			return fmt.Errorf("spool replay %d: %w", p.id, err)
		}
		done = p.id
	}
	c.commit(done)
	return nil
}

func (c *Capture) commit(id ports.WALEntryID) {
	if id == 0 {
		return
	}
	if err := c.spool.Commit(id); err != nil {
		c.obs.LogError("spool_commit_failed", err)
	}
}

func isInputError(err error) bool {
	return errors.Is(err, domain.ErrNegativeLevel) ||
		errors.Is(err, domain.ErrMissingTimestamp) ||
		errors.Is(err, domain.ErrMissingMachine) ||
		errors.Is(err, domain.ErrUnknownMachine)
}
