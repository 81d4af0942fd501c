package aquaflow

import (
	"context"

	"github.com/ghalamif/aquaflow/internal/app/aggregate"
	"github.com/ghalamif/aquaflow/internal/app/health"
	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// Snapshot is a timestamped tank-level reading with optional status flags.
type Snapshot = domain.Snapshot

// Flags is the raw status flag set captured alongside a level.
type Flags = domain.Flags

// SnapshotInserted is published for every newly stored snapshot.
type SnapshotInserted = domain.SnapshotInserted

// ProductionEvent is a derived production fact.
type ProductionEvent = domain.ProductionEvent

// Bucket is one aggregated period of production and status samples.
type Bucket = domain.Bucket

// Granularity is daily, weekly, monthly or yearly.
type Granularity = domain.Granularity

// Machine is a registry entry with its telemetry binding.
type Machine = domain.Machine

// MachineStatus is the classified state of a machine.
type MachineStatus = domain.MachineStatus

// HealthRecord is the per-machine outcome of a health sweep.
type HealthRecord = domain.HealthRecord

// Stores groups the persistence contracts a custom driver must implement.
type Stores = ports.Stores

// TelemetrySource returns the latest reading of a device.
type TelemetrySource = ports.TelemetrySource

// SnapshotNotifier pushes snapshot-inserted notifications.
type SnapshotNotifier = ports.SnapshotNotifier

// SnapshotSpool durably buffers captured snapshots until stored.
type SnapshotSpool = ports.SnapshotSpool

// StatusCache stores computed statuses with expiry.
type StatusCache = ports.StatusCache

// HealthReporter receives every health sweep.
type HealthReporter = ports.HealthReporter

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

type (
	AggregationMode   = aggregate.Mode
	AggregationResult = aggregate.Result
	StatusView        = status.View
	StatusResult      = status.Result
	HealthSweep       = health.Sweep
)

const (
	ModeIncremental = aggregate.ModeIncremental
	ModeBackfill    = aggregate.ModeBackfill

	ViewLive   = status.ViewLive
	ViewLegacy = status.ViewLegacy

	// NeverAge is the health age reported when a machine has no data at all.
	NeverAge = domain.Never
)

// ParseAggregationMode accepts "incremental" (or empty) and "backfill".
func ParseAggregationMode(s string) (AggregationMode, error) {
	return aggregate.ParseMode(s)
}

// HealthReporterFunc adapts a plain function to HealthReporter.
type HealthReporterFunc func(ctx context.Context, records []HealthRecord) error

func (f HealthReporterFunc) Report(ctx context.Context, records []HealthRecord) error {
	return f(ctx, records)
}
