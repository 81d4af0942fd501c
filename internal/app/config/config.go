package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/aquaflow/internal/adapters/influx"
	"github.com/ghalamif/aquaflow/internal/adapters/kafka"
	"github.com/ghalamif/aquaflow/internal/adapters/opcua"
	"github.com/ghalamif/aquaflow/internal/domain"
)

type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Machines   []domain.Machine `yaml:"machines"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Thresholds ThresholdConfig  `yaml:"thresholds"`
	Workers    WorkerConfig     `yaml:"workers"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
	WAL        WALConfig        `yaml:"wal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      kafka.Config     `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"`
	ConnString string `yaml:"conn_string"`
}

// TelemetryConfig selects the live data source. An empty driver disables
// capture and live status.
type TelemetryConfig struct {
	Driver string        `yaml:"driver"`
	Window time.Duration `yaml:"window"`
	Influx influx.Config `yaml:"influx"`
	OPCUA  opcua.Config  `yaml:"opcua"`
}

type ScheduleConfig struct {
	Capture        time.Duration `yaml:"capture"`
	DerivePoll     time.Duration `yaml:"derive_poll"`
	DeriveLookback time.Duration `yaml:"derive_lookback"`
	Health         time.Duration `yaml:"health"`
	Aggregate      time.Duration `yaml:"aggregate"`
}

type ThresholdConfig struct {
	Noise            float64       `yaml:"noise"`
	LiveStaleness    time.Duration `yaml:"live_staleness"`
	LegacyStaleness  time.Duration `yaml:"legacy_staleness"`
	HealthStaleness  time.Duration `yaml:"health_staleness"`
	FullWaterPercent float64       `yaml:"full_water_percent"`
}

type WorkerConfig struct {
	Derive    int `yaml:"derive"`
	Aggregate int `yaml:"aggregate"`
}

type AggregateConfig struct {
	Source string `yaml:"source"`
}

type WALConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given: in-memory
// stores, no telemetry source.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Telemetry.Window == 0 {
		c.Telemetry.Window = time.Hour
	}
	if c.Schedule.Capture == 0 {
		c.Schedule.Capture = 30 * time.Minute
	}
	if c.Schedule.DerivePoll == 0 {
		c.Schedule.DerivePoll = 30 * time.Minute
	}
	if c.Schedule.DeriveLookback == 0 {
		c.Schedule.DeriveLookback = 2 * time.Hour
	}
	if c.Schedule.Health == 0 {
		c.Schedule.Health = 5 * time.Minute
	}
	if c.Schedule.Aggregate == 0 {
		c.Schedule.Aggregate = time.Hour
	}
	if c.Thresholds.Noise == 0 {
		c.Thresholds.Noise = domain.NoiseThreshold
	}
	if c.Thresholds.LiveStaleness == 0 {
		c.Thresholds.LiveStaleness = 30 * time.Second
	}
	if c.Thresholds.LegacyStaleness == 0 {
		c.Thresholds.LegacyStaleness = 5 * time.Minute
	}
	if c.Thresholds.HealthStaleness == 0 {
		c.Thresholds.HealthStaleness = 60 * time.Minute
	}
	if c.Thresholds.FullWaterPercent == 0 {
		c.Thresholds.FullWaterPercent = 95
	}
	if c.Workers.Derive == 0 {
		c.Workers.Derive = 8
	}
	if c.Workers.Aggregate == 0 {
		c.Workers.Aggregate = 2
	}
	if c.Aggregate.Source == "" {
		c.Aggregate.Source = "level_delta"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = "./data/wal"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	switch c.Telemetry.Driver {
	case "influx":
		c.Telemetry.Influx.ApplyDefaults()
	case "opcua":
		c.Telemetry.OPCUA.ApplyDefaults()
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.ConnString == "" {
			return fmt.Errorf("store.conn_string is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}

	switch c.Telemetry.Driver {
	case "":
	case "influx":
		if err := c.Telemetry.Influx.Validate(); err != nil {
			return fmt.Errorf("influx config: %w", err)
		}
	case "opcua":
		if err := c.Telemetry.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	default:
		return fmt.Errorf("telemetry.driver %q is not supported", c.Telemetry.Driver)
	}

	seen := make(map[string]bool, len(c.Machines))
	for _, m := range c.Machines {
		if m.ID == "" {
			return fmt.Errorf("machines: %w", domain.ErrMissingMachine)
		}
		if seen[m.ID] {
			return fmt.Errorf("machines: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
		if m.CapacityLiters < 0 {
			return fmt.Errorf("machines: %s capacity_liters must be >= 0", m.ID)
		}
	}

	switch c.Aggregate.Source {
	case "level_delta", "edge_signal", "prefer_edge":
	default:
		return fmt.Errorf("aggregate.source %q is not supported", c.Aggregate.Source)
	}

	if c.Thresholds.Noise < 0 {
		return fmt.Errorf("thresholds.noise must be >= 0")
	}
	if c.Thresholds.FullWaterPercent <= 0 || c.Thresholds.FullWaterPercent > 100 {
		return fmt.Errorf("thresholds.full_water_percent must be in (0, 100]")
	}
	if c.Workers.Derive < 1 || c.Workers.Aggregate < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	return nil
}
