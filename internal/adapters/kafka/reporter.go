// Package kafka publishes pipeline health records for external alerting.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter writes one message per unhealthy machine, keyed by machine id.
type Reporter struct {
	writer messageWriter
}

func NewReporter(cfg Config) (*Reporter, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &Reporter{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

type healthMessage struct {
	MachineID            string    `json:"machine_id"`
	RawDataAgeSeconds    *float64  `json:"raw_data_age_seconds"`
	ProductionAgeSeconds *float64  `json:"production_age_seconds"`
	Issues               []string  `json:"issues"`
	Details              []string  `json:"details,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
}

func (r *Reporter) Report(ctx context.Context, records []domain.HealthRecord) error {
	msgs, err := encode(records)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return r.writer.WriteMessages(ctx, msgs...)
}

func (r *Reporter) Close() error {
	return r.writer.Close()
}

func encode(records []domain.HealthRecord) ([]kafka.Message, error) {
	var msgs []kafka.Message
	for _, rec := range records {
		if rec.Healthy() {
			continue
		}
		m := healthMessage{
			MachineID:            rec.MachineID,
			RawDataAgeSeconds:    seconds(rec.RawDataAge),
			ProductionAgeSeconds: seconds(rec.ProductionAge),
			Details:              rec.Details,
			CheckedAt:            rec.CheckedAt,
		}
		for _, issue := range rec.Issues {
			m.Issues = append(m.Issues, string(issue))
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode health record %s: %w", rec.MachineID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(rec.MachineID), Value: b})
	}
	return msgs, nil
}

// seconds maps domain.Never to null since JSON has no infinity.
func seconds(d time.Duration) *float64 {
	if d == domain.Never {
		return nil
	}
	s := d.Seconds()
	return &s
}

var _ ports.HealthReporter = (*Reporter)(nil)
