// Package influx reads the latest machine telemetry from an InfluxDB 2.x bucket.
package influx

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/ghalamif/aquaflow/internal/ports"
)

type Config struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	// DeviceTag is the tag holding the device key (uid) of a machine.
	DeviceTag string `yaml:"device_tag"`
}

func (c *Config) ApplyDefaults() {
	if c.Measurement == "" {
		c.Measurement = "machine_telemetry"
	}
	if c.DeviceTag == "" {
		c.DeviceTag = "uid"
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("org and bucket are required")
	}
	return nil
}

type Source struct {
	cfg    Config
	client influxdb2.Client
	query  api.QueryAPI
}

func NewSource(cfg Config) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Source{cfg: cfg, client: client, query: client.QueryAPI(cfg.Org)}, nil
}

func (s *Source) Name() string { return "influxdb" }

func (s *Source) QueryLatest(ctx context.Context, deviceKey string, fields []string, window time.Duration) (*ports.Point, error) {
	res, err := s.query.Query(ctx, buildLatestQuery(s.cfg, deviceKey, fields, window))
	if err != nil {
		return nil, fmt.Errorf("influx query %s: %w", deviceKey, err)
	}
	defer res.Close()

	var records []*query.FluxRecord
	for res.Next() {
		records = append(records, res.Record())
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx result %s: %w", deviceKey, err)
	}
	return foldRecords(records), nil
}

func (s *Source) Close() {
	s.client.Close()
}

func buildLatestQuery(cfg Config, deviceKey string, fields []string, window time.Duration) string {
	if window <= 0 {
		window = 5 * time.Minute
	}
	conds := make([]string, 0, len(fields))
	for _, f := range fields {
		conds = append(conds, fmt.Sprintf("r._field == %q", f))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: -%ds)\n", int64(window/time.Second))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r.%s == %q)\n", cfg.Measurement, cfg.DeviceTag, deviceKey)
	if len(conds) > 0 {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	b.WriteString("  |> last()")
	return b.String()
}

// foldRecords merges the per-field last() rows into one point stamped with the newest row time.
func foldRecords(records []*query.FluxRecord) *ports.Point {
	if len(records) == 0 {
		return nil
	}
	p := &ports.Point{Fields: make(map[string]any, len(records))}
	for _, rec := range records {
		p.Fields[rec.Field()] = rec.Value()
		if ts := rec.Time(); ts.After(p.Time) {
			p.Time = ts.UTC()
		}
	}
	return p
}

var _ ports.TelemetrySource = (*Source)(nil)
