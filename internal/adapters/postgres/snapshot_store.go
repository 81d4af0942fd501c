package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

const snapshotColumns = "machine_id, captured_at, water_level, producing, full_water, idle, defrosting, collector"

type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Insert(ctx context.Context, snap domain.Snapshot) (bool, error) {
	var producing, fullWater, idle, defrosting sql.NullFloat64
	if snap.Flags != nil {
		producing = sql.NullFloat64{Float64: snap.Flags.Producing, Valid: true}
		fullWater = sql.NullFloat64{Float64: snap.Flags.FullWater, Valid: true}
		idle = sql.NullFloat64{Float64: snap.Flags.Idle, Valid: true}
		defrosting = sql.NullFloat64{Float64: snap.Flags.Defrosting, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots ("+snapshotColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (machine_id, captured_at) DO NOTHING",
		snap.MachineID,
		snap.CapturedAt.UTC(),
		snap.WaterLevel,
		producing,
		fullWater,
		idle,
		defrosting,
		nullable(snap.Collector),
	)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert snapshot rows: %w", err)
	}
	return n == 1, nil
}

func (s *SnapshotStore) LatestTwo(ctx context.Context, machineID string) ([]domain.Snapshot, error) {
	return s.query(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 ORDER BY captured_at DESC LIMIT 2",
		machineID)
}

func (s *SnapshotStore) Range(ctx context.Context, machineID string, from, to time.Time) ([]domain.Snapshot, error) {
	return s.query(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 AND captured_at >= $2 AND captured_at <= $3 ORDER BY captured_at ASC",
		machineID, from.UTC(), to.UTC())
}

func (s *SnapshotStore) Neighbors(ctx context.Context, machineID string, at time.Time) (*domain.Snapshot, *domain.Snapshot, error) {
	prev, err := s.one(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 AND captured_at < $2 ORDER BY captured_at DESC LIMIT 1",
		machineID, at.UTC())
	if err != nil {
		return nil, nil, err
	}
	next, err := s.one(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 AND captured_at > $2 ORDER BY captured_at ASC LIMIT 1",
		machineID, at.UTC())
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

func (s *SnapshotStore) Earliest(ctx context.Context, machineID string) (*domain.Snapshot, error) {
	return s.one(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 ORDER BY captured_at ASC LIMIT 1",
		machineID)
}

func (s *SnapshotStore) Latest(ctx context.Context, machineID string) (*domain.Snapshot, error) {
	return s.one(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE machine_id = $1 ORDER BY captured_at DESC LIMIT 1",
		machineID)
}

// InsertedSince pages through snapshots by their seq column. A transaction
// committing a lower seq after a higher one was read is only seen through
// the NOTIFY raised on its commit.
func (s *SnapshotStore) InsertedSince(ctx context.Context, after int64, limit int) ([]domain.SnapshotInserted, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, machine_id, captured_at FROM snapshots WHERE seq > $1 ORDER BY seq ASC LIMIT $2",
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("query inserted snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.SnapshotInserted
	for rows.Next() {
		var n domain.SnapshotInserted
		if err := rows.Scan(&n.Seq, &n.MachineID, &n.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan inserted snapshot: %w", err)
		}
		n.CapturedAt = n.CapturedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SnapshotStore) one(ctx context.Context, query string, args ...any) (*domain.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotStore) query(ctx context.Context, query string, args ...any) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (domain.Snapshot, error) {
	var (
		snap                                   domain.Snapshot
		producing, fullWater, idle, defrosting sql.NullFloat64
		collector                              sql.NullFloat64
	)
	if err := row.Scan(&snap.MachineID, &snap.CapturedAt, &snap.WaterLevel,
		&producing, &fullWater, &idle, &defrosting, &collector); err != nil {
		return domain.Snapshot{}, err
	}
	snap.CapturedAt = snap.CapturedAt.UTC()
	if producing.Valid || fullWater.Valid || idle.Valid || defrosting.Valid {
		snap.Flags = &domain.Flags{
			Producing:  producing.Float64,
			FullWater:  fullWater.Float64,
			Idle:       idle.Float64,
			Defrosting: defrosting.Float64,
		}
	}
	snap.Collector = ptr(collector)
	return snap, nil
}

var _ ports.SnapshotStore = (*SnapshotStore)(nil)
