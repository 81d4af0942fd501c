package aquaflow

import (
	"context"

	base "github.com/ghalamif/aquaflow/pkg/aquaflow"
)

// Re-exported errors for convenience.
var (
	ErrNoTelemetrySource = base.ErrNoTelemetrySource
)

// Type aliases so consumers can import github.com/ghalamif/aquaflow directly.
type (
	Config            = base.Config
	StoreConfig       = base.StoreConfig
	TelemetryConfig   = base.TelemetryConfig
	InfluxConfig      = base.InfluxConfig
	OPCUAConfig       = base.OPCUAConfig
	OPCUANodeConfig   = base.OPCUANodeConfig
	ScheduleConfig    = base.ScheduleConfig
	ThresholdConfig   = base.ThresholdConfig
	WALConfig         = base.WALConfig
	MetricsConfig     = base.MetricsConfig
	APIConfig         = base.APIConfig
	RedisConfig       = base.RedisConfig
	KafkaConfig       = base.KafkaConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	Snapshot          = base.Snapshot
	Flags             = base.Flags
	SnapshotInserted  = base.SnapshotInserted
	Bucket            = base.Bucket
	Granularity       = base.Granularity
	Machine           = base.Machine
	MachineStatus     = base.MachineStatus
	HealthRecord      = base.HealthRecord
	Stores            = base.Stores
	TelemetrySource   = base.TelemetrySource
	SnapshotNotifier  = base.SnapshotNotifier
	SnapshotSpool     = base.SnapshotSpool
	StatusCache       = base.StatusCache
	HealthReporter    = base.HealthReporter
	Observability     = base.Observability
	AggregationMode   = base.AggregationMode
	AggregationResult = base.AggregationResult
	StatusView        = base.StatusView
	StatusResult      = base.StatusResult
	HealthSweep       = base.HealthSweep
)

const (
	ModeIncremental = base.ModeIncremental
	ModeBackfill    = base.ModeBackfill
	ViewLive        = base.ViewLive
	ViewLegacy      = base.ViewLegacy
	NeverAge        = base.NeverAge
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

func ParseAggregationMode(s string) (AggregationMode, error) {
	return base.ParseAggregationMode(s)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInTelemetry(src TelemetrySource) StreamInOption {
	return base.StreamInTelemetry(src)
}

func StreamInNotifier(n SnapshotNotifier) StreamInOption {
	return base.StreamInNotifier(n)
}

func StreamOutHealthCallback(fn func(ctx context.Context, records []HealthRecord) error) StreamOutOption {
	return base.StreamOutHealthCallback(fn)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithStores(s Stores) RuntimeOption {
	return base.WithStores(s)
}

func WithTelemetrySource(src TelemetrySource) RuntimeOption {
	return base.WithTelemetrySource(src)
}

func WithNotifier(n SnapshotNotifier) RuntimeOption {
	return base.WithNotifier(n)
}

func WithStatusCache(c StatusCache) RuntimeOption {
	return base.WithStatusCache(c)
}

func WithHealthReporter(r HealthReporter) RuntimeOption {
	return base.WithHealthReporter(r)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}
