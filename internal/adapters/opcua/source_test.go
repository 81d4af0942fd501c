package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aquaflow/internal/ports"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{
		Endpoint: "opc.tcp://localhost:4840",
		Nodes:    []NodeConfig{{DeviceKey: "dev-1", NodeID: "ns=2;s=Tank.Level"}},
	}
	cfg.ApplyDefaults()
	if cfg.Nodes[0].Field != ports.FieldLevel {
		t.Fatalf("expected field to default to level, got %q", cfg.Nodes[0].Field)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.Nodes = append(cfg.Nodes, NodeConfig{NodeID: "ns=2;s=Orphan"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected node without device key to fail validation")
	}
}

func TestSelectNodes(t *testing.T) {
	refs := []nodeRef{{field: "level"}, {field: "producing"}, {field: "collector"}}
	got := selectNodes(refs, []string{"collector", "level"})
	if len(got) != 2 || got[0].field != "level" || got[1].field != "collector" {
		t.Fatalf("unexpected selection: %+v", got)
	}
}

func TestToPointSkipsBadAndStaleValues(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	refs := []nodeRef{{field: "level"}, {field: "producing"}, {field: "idle"}}
	results := []*ua.DataValue{
		{Value: ua.MustVariant(5.3), Status: ua.StatusOK, SourceTimestamp: now.Add(-time.Second)},
		{Value: ua.MustVariant(int32(1)), Status: ua.StatusBad, SourceTimestamp: now},
		{Value: ua.MustVariant(true), Status: ua.StatusOK, SourceTimestamp: now.Add(-time.Hour)},
	}

	p := toPoint(refs, results, now, time.Minute)
	if p == nil {
		t.Fatalf("expected a point")
	}
	if len(p.Fields) != 1 || p.Fields["level"] != 5.3 {
		t.Fatalf("expected only level to survive, got %+v", p.Fields)
	}
	if !p.Time.Equal(now.Add(-time.Second)) {
		t.Fatalf("unexpected point time %s", p.Time)
	}
}

func TestToPointNothingUsable(t *testing.T) {
	if p := toPoint([]nodeRef{{field: "level"}}, []*ua.DataValue{nil}, time.Now(), time.Minute); p != nil {
		t.Fatalf("expected nil point, got %+v", p)
	}
}
