package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/query"
)

func TestBuildLatestQuery(t *testing.T) {
	cfg := Config{Bucket: "telemetry", Measurement: "awg", DeviceTag: "uid"}
	q := buildLatestQuery(cfg, "dev-7", []string{"level", "producing"}, 2*time.Minute)

	for _, want := range []string{
		`from(bucket: "telemetry")`,
		`range(start: -120s)`,
		`r._measurement == "awg" and r.uid == "dev-7"`,
		`r._field == "level" or r._field == "producing"`,
		`|> last()`,
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("expected query to contain %q, got:\n%s", want, q)
		}
	}
}

func TestFoldRecordsUsesNewestTime(t *testing.T) {
	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(20 * time.Second)

	p := foldRecords([]*query.FluxRecord{
		query.NewFluxRecord(0, map[string]interface{}{"_field": "level", "_value": 5.3, "_time": older}),
		query.NewFluxRecord(1, map[string]interface{}{"_field": "producing", "_value": int64(1), "_time": newer}),
	})
	if p == nil {
		t.Fatalf("expected a point")
	}
	if !p.Time.Equal(newer) {
		t.Fatalf("expected point time %s, got %s", newer, p.Time)
	}
	if p.Fields["level"] != 5.3 || p.Fields["producing"] != int64(1) {
		t.Fatalf("unexpected fields: %+v", p.Fields)
	}
}

func TestFoldRecordsEmpty(t *testing.T) {
	if p := foldRecords(nil); p != nil {
		t.Fatalf("expected nil point for no records, got %+v", p)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{URL: "http://localhost:8086"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing org/bucket to fail")
	}
}
