package domain

import "time"

// NoiseThreshold is the minimum level delta, in liters, counted as production.
const NoiseThreshold = 0.1

// EventSource tags which estimator derived a ProductionEvent.
type EventSource string

const (
	SourceLevelDelta EventSource = "level_delta"
	SourceEdgeSignal EventSource = "edge_signal"
)

func (s EventSource) Valid() bool {
	return s == SourceLevelDelta || s == SourceEdgeSignal
}

// ProductionEvent is a derived fact: the tank level rose by ProductionLiters.
// Deduplicated on (MachineID, Source, OccurredAt).
type ProductionEvent struct {
	MachineID        string      `json:"machine_id"`
	Source           EventSource `json:"source"`
	ProductionLiters float64     `json:"production_liters"`
	PreviousLevel    float64     `json:"previous_level"`
	CurrentLevel     float64     `json:"current_level"`
	OccurredAt       time.Time   `json:"occurred_at"`
}
