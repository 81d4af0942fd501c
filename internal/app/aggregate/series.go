package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// MaxSeries caps the number of periods a single series request may span.
const MaxSeries = 366

// Series returns exactly n buckets of g ending with the current period,
// oldest first. Periods without a stored bucket are filled with zero
// production and no samples.
func (r *Runner) Series(ctx context.Context, machineID string, g domain.Granularity, n int) ([]domain.Bucket, error) {
	if n <= 0 {
		return []domain.Bucket{}, nil
	}
	if n > MaxSeries {
		n = MaxSeries
	}
	if _, err := r.machines.Machine(ctx, machineID); err != nil {
		return nil, err
	}

	current := PeriodStart(g, r.now())
	first := AddPeriods(g, current, -(n - 1))
	stored, err := r.buckets.BucketsInRange(ctx, machineID, g, first, NextPeriod(g, current))
	if err != nil {
		return nil, fmt.Errorf("load %s buckets: %w", g, err)
	}
	return GapFill(machineID, g, first, n, stored), nil
}

// GapFill lays stored (any order) onto n consecutive periods starting at
// first. Buckets outside the range are ignored.
func GapFill(machineID string, g domain.Granularity, first time.Time, n int, stored []domain.Bucket) []domain.Bucket {
	byKey := make(map[string]domain.Bucket, len(stored))
	for _, b := range stored {
		byKey[b.PeriodKey] = b
	}
	out := make([]domain.Bucket, 0, n)
	for i, start := 0, first; i < n; i, start = i+1, NextPeriod(g, start) {
		if b, ok := byKey[PeriodKey(g, start)]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, newBucket(machineID, g, start, 0, 0, domain.StatusCounts{}))
	}
	return out
}
