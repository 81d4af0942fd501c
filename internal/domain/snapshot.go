package domain

import "time"

// Flags is the raw status flag set reported by a machine at capture time.
// Values are kept as reported; see status.ParseFlag for truthiness.
type Flags struct {
	Producing  float64 `json:"producing"`
	FullWater  float64 `json:"full_water"`
	Idle       float64 `json:"idle"`
	Defrosting float64 `json:"defrosting"`
}

// Snapshot is a timestamped tank-level reading. Unique per (MachineID, CapturedAt).
type Snapshot struct {
	MachineID  string    `json:"machine_id"`
	WaterLevel float64   `json:"water_level"`
	CapturedAt time.Time `json:"captured_at"`

	// Flags and Collector are optional; nil when the capture carried only a level.
	Flags     *Flags   `json:"flags,omitempty"`
	Collector *float64 `json:"collector,omitempty"`
}

// SnapshotInserted announces a newly persisted snapshot to derivation.
// Seq is the store's insertion sequence; zero when the source does not know it.
type SnapshotInserted struct {
	MachineID  string    `json:"machine_id"`
	CapturedAt time.Time `json:"captured_at"`
	Seq        int64     `json:"seq,omitempty"`
}
