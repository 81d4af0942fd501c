// Package ingest validates and persists level snapshots, and runs the
// periodic capture job that reads them from the telemetry source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// Recorder is the single write path for snapshots.
type Recorder struct {
	snapshots ports.SnapshotStore
	machines  ports.MachineRegistry
	publisher ports.SnapshotPublisher
	obs       ports.Observability
}

// NewRecorder accepts a nil registry (any machine id is accepted) and a nil
// publisher (no local notifications).
func NewRecorder(snapshots ports.SnapshotStore, machines ports.MachineRegistry, publisher ports.SnapshotPublisher, obs ports.Observability) *Recorder {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Recorder{snapshots: snapshots, machines: machines, publisher: publisher, obs: obs}
}

// Record stores a level-only snapshot.
func (r *Recorder) Record(ctx context.Context, machineID string, level float64, at time.Time) (bool, error) {
	return r.RecordSnapshot(ctx, domain.Snapshot{MachineID: machineID, WaterLevel: level, CapturedAt: at})
}

// RecordSnapshot validates and inserts s. A snapshot already stored under
// (machine, captured_at) is a no-op returning false without error.
func (r *Recorder) RecordSnapshot(ctx context.Context, s domain.Snapshot) (bool, error) {
	if err := r.validate(ctx, &s); err != nil {
		if errors.Is(err, domain.ErrUnknownMachine) {
			r.obs.IncCounter(ports.MetricSnapshotsUnknown, 1)
			r.obs.LogInfo("snapshot_unknown_machine", ports.Field{Key: "machine_id", Value: s.MachineID})
			return false, err
		}
		r.obs.RecordRejected(&s, err)
		return false, err
	}

	inserted, err := r.snapshots.Insert(ctx, s)
	if err != nil {
		return false, fmt.Errorf("insert snapshot %s@%s: %w", s.MachineID, s.CapturedAt.Format(time.RFC3339), err)
	}
	if !inserted {
		r.obs.IncCounter(ports.MetricSnapshotsDuplicate, 1)
		return false, nil
	}

	r.obs.IncCounter(ports.MetricSnapshotsInserted, 1)
	if r.publisher != nil {
		r.publisher.Publish(domain.SnapshotInserted{MachineID: s.MachineID, CapturedAt: s.CapturedAt})
	}
	return true, nil
}

// Validate reports whether s would be rejected as malformed.
func Validate(s domain.Snapshot) error {
	switch {
	case s.MachineID == "":
		return domain.ErrMissingMachine
	case s.CapturedAt.IsZero():
		return domain.ErrMissingTimestamp
	case math.IsNaN(s.WaterLevel) || math.IsInf(s.WaterLevel, 0):
		return fmt.Errorf("%w: got %v", domain.ErrNegativeLevel, s.WaterLevel)
	case s.WaterLevel < 0:
		return fmt.Errorf("%w: got %v", domain.ErrNegativeLevel, s.WaterLevel)
	}
	return nil
}

func (r *Recorder) validate(ctx context.Context, s *domain.Snapshot) error {
	if err := Validate(*s); err != nil {
		return err
	}
	s.CapturedAt = s.CapturedAt.UTC()
	if r.machines == nil {
		return nil
	}
	_, err := r.machines.Machine(ctx, s.MachineID)
	return err
}
