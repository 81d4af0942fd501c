package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

const eventColumns = "machine_id, source, occurred_at, production_liters, previous_level, current_level"

const insertEvent = "INSERT INTO production_events (" + eventColumns + ") VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (machine_id, source, occurred_at) DO NOTHING"

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Insert(ctx context.Context, e domain.ProductionEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertEvent, eventArgs(e)...)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows: %w", err)
	}
	return n == 1, nil
}

func (s *EventStore) Replace(ctx context.Context, machineID string, source domain.EventSource, at time.Time, e *domain.ProductionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace event begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM production_events WHERE machine_id = $1 AND source = $2 AND occurred_at = $3",
		machineID, string(source), at.UTC()); err != nil {
		return fmt.Errorf("replace event delete: %w", err)
	}
	if e != nil {
		if _, err := tx.ExecContext(ctx, insertEvent, eventArgs(*e)...); err != nil {
			return fmt.Errorf("replace event insert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *EventStore) SumInRange(ctx context.Context, machineID string, source domain.EventSource, from, to time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(production_liters), 0) FROM production_events WHERE machine_id = $1 AND ($2 = '' OR source = $2) AND occurred_at >= $3 AND occurred_at < $4",
		machineID, string(source), from.UTC(), to.UTC()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum events: %w", err)
	}
	return sum, nil
}

func (s *EventStore) Range(ctx context.Context, machineID string, from, to time.Time) ([]domain.ProductionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM production_events WHERE machine_id = $1 AND occurred_at >= $2 AND occurred_at < $3 ORDER BY occurred_at ASC, source ASC",
		machineID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.ProductionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) Earliest(ctx context.Context, machineID string) (*domain.ProductionEvent, error) {
	return s.one(ctx, "SELECT "+eventColumns+" FROM production_events WHERE machine_id = $1 ORDER BY occurred_at ASC LIMIT 1", machineID)
}

func (s *EventStore) Latest(ctx context.Context, machineID string) (*domain.ProductionEvent, error) {
	return s.one(ctx, "SELECT "+eventColumns+" FROM production_events WHERE machine_id = $1 ORDER BY occurred_at DESC LIMIT 1", machineID)
}

func (s *EventStore) one(ctx context.Context, query string, args ...any) (*domain.ProductionEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return &e, nil
}

func eventArgs(e domain.ProductionEvent) []any {
	return []any{
		e.MachineID,
		string(e.Source),
		e.OccurredAt.UTC(),
		e.ProductionLiters,
		e.PreviousLevel,
		e.CurrentLevel,
	}
}

func scanEvent(row scanner) (domain.ProductionEvent, error) {
	var (
		e      domain.ProductionEvent
		source string
	)
	if err := row.Scan(&e.MachineID, &source, &e.OccurredAt, &e.ProductionLiters, &e.PreviousLevel, &e.CurrentLevel); err != nil {
		return domain.ProductionEvent{}, err
	}
	e.Source = domain.EventSource(source)
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}

var _ ports.EventStore = (*EventStore)(nil)
