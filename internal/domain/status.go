package domain

type MachineStatus string

const (
	StatusProducing    MachineStatus = "Producing"
	StatusIdle         MachineStatus = "Idle"
	StatusFullWater    MachineStatus = "Full Water"
	StatusDisconnected MachineStatus = "Disconnected"
	StatusDefrosting   MachineStatus = "Defrosting"
	StatusOffline      MachineStatus = "Offline"
)

// Machine is a registry entry. Only machines with a DeviceKey are bound to telemetry.
type Machine struct {
	ID             string  `json:"id" yaml:"id"`
	DeviceKey      string  `json:"device_key" yaml:"device_key"`
	CapacityLiters float64 `json:"capacity_liters" yaml:"capacity_liters"`
	Active         bool    `json:"active" yaml:"active"`
}

func (m Machine) Bound() bool {
	return m.Active && m.DeviceKey != ""
}
