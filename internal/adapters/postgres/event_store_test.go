package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/aquaflow/internal/domain"
)

func TestEventStoreInsertDedup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	ev := domain.ProductionEvent{
		MachineID:        "m-1",
		Source:           domain.SourceLevelDelta,
		ProductionLiters: 3.3,
		PreviousLevel:    2.0,
		CurrentLevel:     5.3,
		OccurredAt:       ts,
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO production_events (machine_id, source, occurred_at, production_liters, previous_level, current_level) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (machine_id, source, occurred_at) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("m-1", "level_delta", ts, 3.3, 2.0, 5.3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(expectedQuery).
		WithArgs("m-1", "level_delta", ts, 3.3, 2.0, 5.3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewEventStore(db)
	if ok, err := store.Insert(context.Background(), ev); err != nil || !ok {
		t.Fatalf("expected insert, ok=%v err=%v", ok, err)
	}
	if ok, err := store.Insert(context.Background(), ev); err != nil || ok {
		t.Fatalf("expected duplicate no-op, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStoreReplaceDeletesWhenNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM production_events WHERE machine_id = $1 AND source = $2 AND occurred_at = $3")).
		WithArgs("m-1", "level_delta", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewEventStore(db).Replace(context.Background(), "m-1", domain.SourceLevelDelta, ts, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStoreSumInRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(production_liters), 0) FROM production_events")).
		WithArgs("m-1", "", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(7.5))

	sum, err := NewEventStore(db).SumInRange(context.Background(), "m-1", "", from, to)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 7.5 {
		t.Fatalf("expected 7.5, got %f", sum)
	}
}
