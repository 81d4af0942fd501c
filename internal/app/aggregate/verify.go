package aggregate

import (
	"context"
	"fmt"
	"math"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// Tolerance is the allowed difference between a bucket and the sum of its
// children, one rounding step per level.
const Tolerance = 0.1

// Mismatch is a stored bucket that does not reconcile with its children.
type Mismatch struct {
	Granularity domain.Granularity `json:"granularity"`
	PeriodKey   string             `json:"period_key"`
	Stored      float64            `json:"stored"`
	ChildSum    float64            `json:"child_sum"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %s stored %.1f, children sum %.1f", m.Granularity, m.PeriodKey, m.Stored, m.ChildSum)
}

// Verify checks stored weekly, monthly and yearly buckets covering the last
// `weeks` weeks against their stored children. It only reports; nothing is
// rewritten.
func (r *Runner) Verify(ctx context.Context, machineID string, weeks int) ([]Mismatch, error) {
	if weeks <= 0 {
		weeks = 8
	}
	now := r.now()
	from := AddPeriods(domain.Weekly, PeriodStart(domain.Weekly, now), -(weeks - 1))

	var out []Mismatch
	for _, g := range domain.Granularities[1:] {
		from = PeriodStart(g, from)
		parents, err := r.buckets.BucketsInRange(ctx, machineID, g, from, NextPeriod(g, PeriodStart(g, now)))
		if err != nil {
			return out, fmt.Errorf("load %s buckets: %w", g, err)
		}
		for _, p := range parents {
			children, err := r.buckets.BucketsInRange(ctx, machineID, child(g), p.PeriodStart, NextPeriod(g, p.PeriodStart))
			if err != nil {
				return out, fmt.Errorf("load %s buckets: %w", child(g), err)
			}
			var sum float64
			for _, c := range children {
				sum += c.TotalProduction
			}
			if math.Abs(p.TotalProduction-sum) > Tolerance+1e-9 {
				out = append(out, Mismatch{Granularity: g, PeriodKey: p.PeriodKey, Stored: p.TotalProduction, ChildSum: Round1(sum)})
			}
		}
	}
	return out, nil
}

// verifyWindow is the default number of weeks checked by health sweeps.
const verifyWindow = 8

// VerifyRecent runs Verify over the default window.
func (r *Runner) VerifyRecent(ctx context.Context, machineID string) ([]Mismatch, error) {
	return r.Verify(ctx, machineID, verifyWindow)
}
