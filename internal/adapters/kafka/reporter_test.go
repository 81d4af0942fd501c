package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ghalamif/aquaflow/internal/domain"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestReporterPublishesOnlyUnhealthyMachines(t *testing.T) {
	w := &captureWriter{}
	r := &Reporter{writer: w}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := r.Report(context.Background(), []domain.HealthRecord{
		{MachineID: "ok", RawDataAge: time.Minute, ProductionAge: time.Minute, CheckedAt: now},
		{MachineID: "dead", RawDataAge: domain.Never, ProductionAge: domain.Never, Issues: []domain.Issue{domain.IssueNoData}, CheckedAt: now},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "dead" {
		t.Fatalf("expected key dead, got %s", w.msgs[0].Key)
	}

	var decoded healthMessage
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RawDataAgeSeconds != nil || decoded.ProductionAgeSeconds != nil {
		t.Fatalf("expected infinite ages to encode as null, got %+v", decoded)
	}
	if len(decoded.Issues) != 1 || decoded.Issues[0] != string(domain.IssueNoData) {
		t.Fatalf("unexpected issues: %v", decoded.Issues)
	}
}

func TestNewReporterRequiresTopic(t *testing.T) {
	if _, err := NewReporter(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected missing topic to fail")
	}
}
