package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// MachineRegistry reads the machines table. Rows are owned by the admin
// screens; this service never writes them.
type MachineRegistry struct {
	db *sql.DB
}

func NewMachineRegistry(db *sql.DB) *MachineRegistry {
	return &MachineRegistry{db: db}
}

func (r *MachineRegistry) Machines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, device_key, capacity_liters, active FROM machines ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var out []domain.Machine
	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.ID, &m.DeviceKey, &m.CapacityLiters, &m.Active); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MachineRegistry) Machine(ctx context.Context, id string) (domain.Machine, error) {
	var m domain.Machine
	err := r.db.QueryRowContext(ctx,
		"SELECT id, device_key, capacity_liters, active FROM machines WHERE id = $1", id).
		Scan(&m.ID, &m.DeviceKey, &m.CapacityLiters, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Machine{}, fmt.Errorf("%w: %s", domain.ErrUnknownMachine, id)
	}
	if err != nil {
		return domain.Machine{}, fmt.Errorf("query machine: %w", err)
	}
	return m, nil
}

var _ ports.MachineRegistry = (*MachineRegistry)(nil)
