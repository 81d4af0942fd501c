package ports

import (
	"context"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

type SnapshotStore interface {
	// Insert is a no-op returning false when (machine, captured_at) already exists.
	Insert(ctx context.Context, s domain.Snapshot) (bool, error)
	// LatestTwo returns up to two snapshots, newest first.
	LatestTwo(ctx context.Context, machineID string) ([]domain.Snapshot, error)
	// Range returns snapshots in [from, to], oldest first.
	Range(ctx context.Context, machineID string, from, to time.Time) ([]domain.Snapshot, error)
	// Neighbors returns the snapshots immediately before and after at.
	Neighbors(ctx context.Context, machineID string, at time.Time) (prev, next *domain.Snapshot, err error)
	Earliest(ctx context.Context, machineID string) (*domain.Snapshot, error)
	Latest(ctx context.Context, machineID string) (*domain.Snapshot, error)
	// InsertedSince returns up to limit snapshots of every machine whose
	// insertion sequence is above after, in insertion order.
	InsertedSince(ctx context.Context, after int64, limit int) ([]domain.SnapshotInserted, error)
}

type EventStore interface {
	// Insert is a no-op returning false when (machine, source, occurred_at) already exists.
	Insert(ctx context.Context, e domain.ProductionEvent) (bool, error)
	// Replace atomically swaps the event stored under e's key, or deletes it when e is nil.
	Replace(ctx context.Context, machineID string, source domain.EventSource, at time.Time, e *domain.ProductionEvent) error
	SumInRange(ctx context.Context, machineID string, source domain.EventSource, from, to time.Time) (float64, error)
	// Range returns events of every source in [from, to), oldest first.
	Range(ctx context.Context, machineID string, from, to time.Time) ([]domain.ProductionEvent, error)
	Earliest(ctx context.Context, machineID string) (*domain.ProductionEvent, error)
	Latest(ctx context.Context, machineID string) (*domain.ProductionEvent, error)
}

type BucketStore interface {
	// Upsert overwrites the bucket keyed by (machine, granularity, period_key) in one write.
	Upsert(ctx context.Context, b domain.Bucket) error
	// Buckets returns up to limit stored buckets, newest first, without gap
	// filling. It is the raw read for consumers outside the aggregation runner.
	Buckets(ctx context.Context, machineID string, g domain.Granularity, limit int) ([]domain.Bucket, error)
	// BucketsInRange returns buckets whose period starts in [from, to), oldest first.
	BucketsInRange(ctx context.Context, machineID string, g domain.Granularity, from, to time.Time) ([]domain.Bucket, error)
	Watermark(ctx context.Context, machineID string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, machineID string, day time.Time) error
}

// Resetter clears snapshots, events, buckets and watermark for a machine together.
type Resetter interface {
	ResetMachine(ctx context.Context, machineID string) error
}

type MachineRegistry interface {
	Machines(ctx context.Context) ([]domain.Machine, error)
	Machine(ctx context.Context, id string) (domain.Machine, error)
}

// Stores groups every persistence contract behind a single driver.
type Stores struct {
	Snapshots SnapshotStore
	Events    EventStore
	Buckets   BucketStore
	Resetter  Resetter
	Machines  MachineRegistry
}
