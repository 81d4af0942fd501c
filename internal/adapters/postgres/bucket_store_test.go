package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/aquaflow/internal/domain"
)

func TestBucketStoreUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	start := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	b := domain.Bucket{
		MachineID:       "m-1",
		Granularity:     domain.Weekly,
		PeriodKey:       "2024-03-03",
		PeriodStart:     start,
		TotalProduction: 12.4,
		EventCount:      3,
		Samples:         domain.StatusCounts{Producing: 2, Idle: 1},
		Status:          domain.StatusPercentages{Producing: 67, Idle: 33},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO aggregate_buckets")+".*"+regexp.QuoteMeta("ON CONFLICT (machine_id, granularity, period_key) DO UPDATE SET")).
		WithArgs("m-1", "weekly", "2024-03-03", start, 12.4, 3, 2, 1, 0, 0, 67, 33, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewBucketStore(db).Upsert(context.Background(), b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBucketStoreWatermarkMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_day FROM aggregation_watermarks WHERE machine_id = $1")).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_day"}))

	_, ok, err := NewBucketStore(db).Watermark(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if ok {
		t.Fatalf("expected no watermark")
	}
}

func TestResetterRunsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	for _, table := range []string{"aggregate_buckets", "aggregation_watermarks", "production_events", "snapshots"} {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM " + table + " WHERE machine_id = $1")).
			WithArgs("m-1").
			WillReturnResult(sqlmock.NewResult(0, 4))
	}
	mock.ExpectCommit()

	if err := NewResetter(db).ResetMachine(context.Background(), "m-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResetterRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM aggregate_buckets WHERE machine_id = $1")).
		WithArgs("m-1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := NewResetter(db).ResetMachine(context.Background(), "m-1"); err == nil {
		t.Fatalf("expected reset to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMachineRegistryUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM machines WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_key", "capacity_liters", "active"}))

	_, err = NewMachineRegistry(db).Machine(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrUnknownMachine) {
		t.Fatalf("expected ErrUnknownMachine, got %v", err)
	}
}

func TestDecodeNotification(t *testing.T) {
	ins, err := decodeNotification(`{"machine_id":"m-1","captured_at":"2024-03-01T10:00:00+00:00"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ins.MachineID != "m-1" || !ins.CapturedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected notification: %+v", ins)
	}

	if _, err := decodeNotification(`{"captured_at":"2024-03-01T10:00:00Z"}`); !errors.Is(err, domain.ErrMissingMachine) {
		t.Fatalf("expected ErrMissingMachine, got %v", err)
	}
}
