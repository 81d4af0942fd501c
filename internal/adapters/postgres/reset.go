package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ghalamif/aquaflow/internal/ports"
)

// Resetter clears every derived and raw table for a machine in one transaction.
type Resetter struct {
	db *sql.DB
}

func NewResetter(db *sql.DB) *Resetter {
	return &Resetter{db: db}
}

func (r *Resetter) ResetMachine(ctx context.Context, machineID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"aggregate_buckets", "aggregation_watermarks", "production_events", "snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE machine_id = $1", machineID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

var _ ports.Resetter = (*Resetter)(nil)
