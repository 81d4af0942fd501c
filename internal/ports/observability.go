package ports

import "github.com/ghalamif/aquaflow/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordRejected(s *domain.Snapshot, err error)
}

type Field struct {
	Key   string
	Value any
}

// NopObservability discards everything.
type NopObservability struct{}

func (NopObservability) LogInfo(string, ...Field)               {}
func (NopObservability) LogError(string, error, ...Field)       {}
func (NopObservability) LogCritical(string, error, ...Field)    {}
func (NopObservability) IncCounter(string, float64)             {}
func (NopObservability) ObserveLatency(string, float64)         {}
func (NopObservability) SetGauge(string, float64)               {}
func (NopObservability) RecordRejected(*domain.Snapshot, error) {}

// Metric names understood by Observability implementations.
const (
	MetricSnapshotsInserted  = "aqua_snapshots_inserted_total"
	MetricSnapshotsDuplicate = "aqua_snapshots_duplicate_total"
	MetricSnapshotsRejected  = "aqua_snapshots_rejected_total"
	MetricSnapshotsUnknown   = "aqua_snapshots_unknown_machine_total"
	MetricEventsDerived      = "aqua_events_derived_total"
	MetricBucketsWritten     = "aqua_buckets_written_total"
	MetricJobErrors          = "aqua_job_errors_total"
	MetricHealthIssues       = "aqua_health_issues_total"
	MetricUnhealthyMachines  = "aqua_unhealthy_machines"
	MetricSpoolSizeBytes     = "aqua_spool_size_bytes"
	MetricJobDuration        = "aqua_job_duration_seconds"
)
