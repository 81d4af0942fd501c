package aquaflow

import (
	"github.com/ghalamif/aquaflow/internal/adapters/influx"
	"github.com/ghalamif/aquaflow/internal/adapters/kafka"
	"github.com/ghalamif/aquaflow/internal/adapters/opcua"
	"github.com/ghalamif/aquaflow/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// StoreConfig selects the persistence driver.
	StoreConfig = config.StoreConfig
	// TelemetryConfig selects the live data source.
	TelemetryConfig = config.TelemetryConfig
	// InfluxConfig holds the time-series database connection.
	InfluxConfig = influx.Config
	// OPCUAConfig holds connection + node details.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps one device field to a node.
	OPCUANodeConfig = opcua.NodeConfig
	// ScheduleConfig sets job cadences.
	ScheduleConfig = config.ScheduleConfig
	// ThresholdConfig holds noise, staleness and full-water limits.
	ThresholdConfig = config.ThresholdConfig
	// WorkerConfig bounds per-machine concurrency.
	WorkerConfig = config.WorkerConfig
	// AggregateConfig picks the event source behind daily totals.
	AggregateConfig = config.AggregateConfig
	// WALConfig configures the on-disk snapshot spool.
	WALConfig = config.WALConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// APIConfig configures the HTTP API server.
	APIConfig = config.APIConfig
	// RedisConfig configures the status cache.
	RedisConfig = config.RedisConfig
	// KafkaConfig configures the health reporter.
	KafkaConfig = kafka.Config
	// LogConfig configures logrus.
	LogConfig = config.LogConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns an in-memory configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
