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

const bucketColumns = "machine_id, granularity, period_key, period_start, total_production, event_count, " +
	"producing_samples, idle_samples, full_water_samples, disconnected_samples, " +
	"pct_producing, pct_idle, pct_full_water, pct_disconnected"

type BucketStore struct {
	db *sql.DB
}

func NewBucketStore(db *sql.DB) *BucketStore {
	return &BucketStore{db: db}
}

// Upsert replaces the whole row in one statement, so a crash never leaves a partial sum behind.
func (s *BucketStore) Upsert(ctx context.Context, b domain.Bucket) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO aggregate_buckets ("+bucketColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) "+
			"ON CONFLICT (machine_id, granularity, period_key) DO UPDATE SET "+
			"period_start = EXCLUDED.period_start, total_production = EXCLUDED.total_production, event_count = EXCLUDED.event_count, "+
			"producing_samples = EXCLUDED.producing_samples, idle_samples = EXCLUDED.idle_samples, "+
			"full_water_samples = EXCLUDED.full_water_samples, disconnected_samples = EXCLUDED.disconnected_samples, "+
			"pct_producing = EXCLUDED.pct_producing, pct_idle = EXCLUDED.pct_idle, "+
			"pct_full_water = EXCLUDED.pct_full_water, pct_disconnected = EXCLUDED.pct_disconnected, updated_at = now()",
		b.MachineID,
		string(b.Granularity),
		b.PeriodKey,
		b.PeriodStart.UTC(),
		b.TotalProduction,
		b.EventCount,
		b.Samples.Producing,
		b.Samples.Idle,
		b.Samples.FullWater,
		b.Samples.Disconnected,
		b.Status.Producing,
		b.Status.Idle,
		b.Status.FullWater,
		b.Status.Disconnected,
	)
	if err != nil {
		return fmt.Errorf("upsert bucket %s/%s: %w", b.Granularity, b.PeriodKey, err)
	}
	return nil
}

func (s *BucketStore) Buckets(ctx context.Context, machineID string, g domain.Granularity, limit int) ([]domain.Bucket, error) {
	return s.query(ctx,
		"SELECT "+bucketColumns+" FROM aggregate_buckets WHERE machine_id = $1 AND granularity = $2 ORDER BY period_start DESC LIMIT $3",
		machineID, string(g), limit)
}

func (s *BucketStore) BucketsInRange(ctx context.Context, machineID string, g domain.Granularity, from, to time.Time) ([]domain.Bucket, error) {
	return s.query(ctx,
		"SELECT "+bucketColumns+" FROM aggregate_buckets WHERE machine_id = $1 AND granularity = $2 AND period_start >= $3 AND period_start < $4 ORDER BY period_start ASC",
		machineID, string(g), from.UTC(), to.UTC())
}

func (s *BucketStore) Watermark(ctx context.Context, machineID string) (time.Time, bool, error) {
	var day time.Time
	err := s.db.QueryRowContext(ctx, "SELECT last_day FROM aggregation_watermarks WHERE machine_id = $1", machineID).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query watermark: %w", err)
	}
	return day.UTC(), true, nil
}

func (s *BucketStore) SetWatermark(ctx context.Context, machineID string, day time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO aggregation_watermarks (machine_id, last_day) VALUES ($1,$2) ON CONFLICT (machine_id) DO UPDATE SET last_day = EXCLUDED.last_day",
		machineID, day.UTC())
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (s *BucketStore) query(ctx context.Context, query string, args ...any) ([]domain.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bucket
	for rows.Next() {
		var (
			b domain.Bucket
			g string
		)
		if err := rows.Scan(&b.MachineID, &g, &b.PeriodKey, &b.PeriodStart, &b.TotalProduction, &b.EventCount,
			&b.Samples.Producing, &b.Samples.Idle, &b.Samples.FullWater, &b.Samples.Disconnected,
			&b.Status.Producing, &b.Status.Idle, &b.Status.FullWater, &b.Status.Disconnected); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Granularity = domain.Granularity(g)
		b.PeriodStart = b.PeriodStart.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ ports.BucketStore = (*BucketStore)(nil)
