package domain

import (
	"math"
	"time"
)

type Issue string

const (
	IssueStaleRawData         Issue = "stale raw data"
	IssueEventsRecentRawStale Issue = "events recent but raw data stale"
	IssueNoData               Issue = "no data available"
	IssueRollupMismatch       Issue = "rollup mismatch"
)

// Never is the age reported when no data exists at all.
const Never = time.Duration(math.MaxInt64)

// HealthRecord is recomputed on every sweep and never persisted.
type HealthRecord struct {
	MachineID     string        `json:"machine_id"`
	RawDataAge    time.Duration `json:"raw_data_age"`
	ProductionAge time.Duration `json:"production_age"`
	Issues        []Issue       `json:"issues"`
	Details       []string      `json:"details,omitempty"`
	CheckedAt     time.Time     `json:"checked_at"`
}

func (r HealthRecord) Healthy() bool { return len(r.Issues) == 0 }
