// Package health sweeps bound machines for signs of a silently broken
// pipeline. It reports and never repairs.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/aquaflow/internal/app/aggregate"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// RollupVerifier checks stored rollups against their children.
type RollupVerifier interface {
	Verify(ctx context.Context, machineID string, weeks int) ([]aggregate.Mismatch, error)
}

type Config struct {
	Staleness   time.Duration
	VerifyWeeks int
	Workers     int
}

// Sweep is the outcome of one pass over all bound machines.
type Sweep struct {
	ID        string                `json:"id"`
	CheckedAt time.Time             `json:"checked_at"`
	Records   []domain.HealthRecord `json:"records"`
	Unhealthy int                   `json:"unhealthy"`
}

type Monitor struct {
	cfg       Config
	machines  ports.MachineRegistry
	snapshots ports.SnapshotStore
	events    ports.EventStore
	verifier  RollupVerifier
	reporter  ports.HealthReporter
	obs       ports.Observability
	now       func() time.Time

	mu   sync.RWMutex
	last *Sweep
}

// NewMonitor accepts a nil verifier and a nil reporter.
func NewMonitor(cfg Config, stores ports.Stores, verifier RollupVerifier, reporter ports.HealthReporter, obs ports.Observability) *Monitor {
	if cfg.Staleness <= 0 {
		cfg.Staleness = time.Hour
	}
	if cfg.VerifyWeeks <= 0 {
		cfg.VerifyWeeks = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Monitor{
		cfg:       cfg,
		machines:  stores.Machines,
		snapshots: stores.Snapshots,
		events:    stores.Events,
		verifier:  verifier,
		reporter:  reporter,
		obs:       obs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Classify maps the two ages to issues. A machine that never produced any
// data only reports that.
func Classify(rawAge, productionAge, staleness time.Duration) []domain.Issue {
	if rawAge == domain.Never && productionAge == domain.Never {
		return []domain.Issue{domain.IssueNoData}
	}
	var issues []domain.Issue
	if rawAge > staleness {
		issues = append(issues, domain.IssueStaleRawData)
		if productionAge < staleness {
			issues = append(issues, domain.IssueEventsRecentRawStale)
		}
	}
	return issues
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx); err != nil {
			m.obs.LogError("health_sweep_failed", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks every active machine with a device binding. Machines whose
// stores cannot be read are left out of the sweep and reported in the error.
func (m *Monitor) Sweep(ctx context.Context) (Sweep, error) {
	sweep := Sweep{ID: uuid.NewString(), CheckedAt: m.now()}

	machines, err := m.machines.Machines(ctx)
	if err != nil {
		return sweep, fmt.Errorf("list machines: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, machine := range machines {
		if !machine.Bound() {
			continue
		}
		machine := machine
		g.Go(func() error {
			rec, err := m.Check(gctx, machine.ID, sweep.CheckedAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", machine.ID, err))
				return nil
			}
			sweep.Records = append(sweep.Records, rec)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(sweep.Records, func(i, j int) bool { return sweep.Records[i].MachineID < sweep.Records[j].MachineID })
	issues := 0
	for _, rec := range sweep.Records {
		if rec.Healthy() {
			continue
		}
		sweep.Unhealthy++
		issues += len(rec.Issues)
		m.obs.LogError("pipeline_unhealthy", fmt.Errorf("%v", rec.Issues),
			ports.Field{Key: "sweep_id", Value: sweep.ID},
			ports.Field{Key: "machine_id", Value: rec.MachineID},
			ports.Field{Key: "raw_data_age", Value: ageString(rec.RawDataAge)},
			ports.Field{Key: "production_age", Value: ageString(rec.ProductionAge)},
			ports.Field{Key: "details", Value: rec.Details})
	}
	m.obs.SetGauge(ports.MetricUnhealthyMachines, float64(sweep.Unhealthy))
	m.obs.IncCounter(ports.MetricHealthIssues, float64(issues))
	m.obs.LogInfo("health_sweep_finished",
		ports.Field{Key: "sweep_id", Value: sweep.ID},
		ports.Field{Key: "machines", Value: len(sweep.Records)},
		ports.Field{Key: "unhealthy", Value: sweep.Unhealthy})

	if m.reporter != nil && sweep.Unhealthy > 0 {
		if err := m.reporter.Report(ctx, sweep.Records); err != nil {
			errs = append(errs, fmt.Errorf("report: %w", err))
		}
	}

	m.mu.Lock()
	m.last = &sweep
	m.mu.Unlock()
	return sweep, errors.Join(errs...)
}

// Check computes the health record of one machine at now.
func (m *Monitor) Check(ctx context.Context, machineID string, now time.Time) (domain.HealthRecord, error) {
	rec := domain.HealthRecord{MachineID: machineID, CheckedAt: now, RawDataAge: domain.Never, ProductionAge: domain.Never}

	snap, err := m.snapshots.Latest(ctx, machineID)
	if err != nil {
		return rec, fmt.Errorf("latest snapshot: %w", err)
	}
	if snap != nil {
		rec.RawDataAge = now.Sub(snap.CapturedAt)
	}
	ev, err := m.events.Latest(ctx, machineID)
	if err != nil {
		return rec, fmt.Errorf("latest event: %w", err)
	}
	if ev != nil {
		rec.ProductionAge = now.Sub(ev.OccurredAt)
	}
	rec.Issues = Classify(rec.RawDataAge, rec.ProductionAge, m.cfg.Staleness)

	if m.verifier == nil || ev == nil {
		return rec, nil
	}
	mismatches, err := m.verifier.Verify(ctx, machineID, m.cfg.VerifyWeeks)
	if err != nil {
		return rec, fmt.Errorf("verify rollups: %w", err)
	}
	if len(mismatches) > 0 {
		rec.Issues = append(rec.Issues, domain.IssueRollupMismatch)
		for _, mm := range mismatches {
			rec.Details = append(rec.Details, mm.String())
		}
	}
	return rec, nil
}

// Last returns the most recent completed sweep.
func (m *Monitor) Last() (Sweep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Sweep{}, false
	}
	return *m.last, true
}

func ageString(d time.Duration) string {
	if d == domain.Never {
		return "never"
	}
	return d.Truncate(time.Second).String()
}
