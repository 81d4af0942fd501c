package domain

import (
	"fmt"
	"time"
)

type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
)

// Granularities lists every granularity from finest to coarsest.
var Granularities = []Granularity{Daily, Weekly, Monthly, Yearly}

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Daily, Weekly, Monthly, Yearly:
		return Granularity(s), nil
	case "day":
		return Daily, nil
	case "week":
		return Weekly, nil
	case "month":
		return Monthly, nil
	case "year":
		return Yearly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGranularity, s)
}

// StatusCounts holds raw per-category status sample counts for one period.
type StatusCounts struct {
	Producing    int `json:"producing"`
	Idle         int `json:"idle"`
	FullWater    int `json:"full_water"`
	Disconnected int `json:"disconnected"`
}

func (c StatusCounts) Total() int {
	return c.Producing + c.Idle + c.FullWater + c.Disconnected
}

func (c StatusCounts) Add(o StatusCounts) StatusCounts {
	return StatusCounts{
		Producing:    c.Producing + o.Producing,
		Idle:         c.Idle + o.Idle,
		FullWater:    c.FullWater + o.FullWater,
		Disconnected: c.Disconnected + o.Disconnected,
	}
}

// StatusPercentages always sums to 100.
type StatusPercentages struct {
	Producing    int `json:"producing"`
	Idle         int `json:"idle"`
	FullWater    int `json:"full_water"`
	Disconnected int `json:"disconnected"`
}

func (p StatusPercentages) Sum() int {
	return p.Producing + p.Idle + p.FullWater + p.Disconnected
}

// Bucket is a pre-aggregated total for one calendar period at one granularity.
// It is a cache over ProductionEvents and is always re-derivable.
type Bucket struct {
	MachineID       string            `json:"machine_id"`
	Granularity     Granularity       `json:"granularity"`
	PeriodKey       string            `json:"period_key"`
	PeriodStart     time.Time         `json:"period_start"`
	TotalProduction float64           `json:"total_production"`
	EventCount      int               `json:"event_count"`
	Samples         StatusCounts      `json:"samples"`
	Status          StatusPercentages `json:"status_percentages"`
}
