package ports

import (
	"context"
	"time"
)

// Telemetry field names requested from a TelemetrySource.
const (
	FieldLevel      = "level"
	FieldProducing  = "producing"
	FieldFullWater  = "full_water"
	FieldIdle       = "idle"
	FieldDefrosting = "defrosting"
	FieldCollector  = "collector"
)

// CaptureFields is the field set read on every capture tick.
var CaptureFields = []string{FieldLevel, FieldProducing, FieldFullWater, FieldIdle, FieldDefrosting, FieldCollector}

// Point is the most recent value per requested field. Values are kept raw
// because upstream encodes booleans as numbers or strings.
type Point struct {
	Time   time.Time
	Fields map[string]any
}

type TelemetrySource interface {
	// QueryLatest returns at most one point within window, or nil when none exists.
	QueryLatest(ctx context.Context, deviceKey string, fields []string, window time.Duration) (*Point, error)
	Name() string
}
