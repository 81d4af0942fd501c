package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/aquaflow/internal/domain"
)

func TestSnapshotStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSnapshotStore(db)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	collector := 1.0

	expectedQuery := regexp.QuoteMeta("INSERT INTO snapshots (machine_id, captured_at, water_level, producing, full_water, idle, defrosting, collector) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (machine_id, captured_at) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("m-1", ts, 5.3, 1.0, 0.0, 0.0, 0.0, 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(expectedQuery).
		WithArgs("m-1", ts, 5.3, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.Insert(context.Background(), domain.Snapshot{
		MachineID:  "m-1",
		WaterLevel: 5.3,
		CapturedAt: ts,
		Flags:      &domain.Flags{Producing: 1},
		Collector:  &collector,
	})
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, inserted=%v err=%v", inserted, err)
	}

	inserted, err = store.Insert(context.Background(), domain.Snapshot{MachineID: "m-1", WaterLevel: 5.3, CapturedAt: ts})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be a no-op")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnapshotStoreLatestTwo(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	t1 := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	t0 := t1.Add(-30 * time.Minute)
	rows := sqlmock.NewRows([]string{"machine_id", "captured_at", "water_level", "producing", "full_water", "idle", "defrosting", "collector"}).
		AddRow("m-1", t1, 5.3, 1.0, 0.0, 0.0, 0.0, 0.0).
		AddRow("m-1", t0, 2.0, nil, nil, nil, nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM snapshots WHERE machine_id = $1 ORDER BY captured_at DESC LIMIT 2")).
		WithArgs("m-1").
		WillReturnRows(rows)

	got, err := NewSnapshotStore(db).LatestTwo(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("latest two: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	if !got[0].CapturedAt.Equal(t1) || got[0].Flags == nil || got[0].Flags.Producing != 1 {
		t.Fatalf("unexpected newest snapshot: %+v", got[0])
	}
	if got[1].Flags != nil || got[1].Collector != nil {
		t.Fatalf("expected level-only snapshot, got %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnapshotStoreInsertedSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	backfilled := time.Date(2024, 2, 27, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"seq", "machine_id", "captured_at"}).
		AddRow(int64(41), "m-1", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)).
		AddRow(int64(42), "m-1", backfilled)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, machine_id, captured_at FROM snapshots WHERE seq > $1 ORDER BY seq ASC LIMIT $2")).
		WithArgs(int64(40), 500).
		WillReturnRows(rows)

	got, err := NewSnapshotStore(db).InsertedSince(context.Background(), 40, 500)
	if err != nil {
		t.Fatalf("inserted since: %v", err)
	}
	if len(got) != 2 || got[1].Seq != 42 || !got[1].CapturedAt.Equal(backfilled) {
		t.Fatalf("unexpected inserts: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnapshotStoreLatestEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM snapshots WHERE machine_id = $1 ORDER BY captured_at DESC LIMIT 1")).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"machine_id"}))

	snap, err := NewSnapshotStore(db).Latest(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}
