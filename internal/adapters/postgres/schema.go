package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// NotifyChannel is the LISTEN/NOTIFY channel raised for every new snapshot row.
const NotifyChannel = "snapshot_inserted"

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id              TEXT PRIMARY KEY,
	device_key      TEXT NOT NULL DEFAULT '',
	capacity_liters DOUBLE PRECISION NOT NULL DEFAULT 0,
	active          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS snapshots (
	machine_id  TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	water_level DOUBLE PRECISION NOT NULL CHECK (water_level >= 0),
	producing   DOUBLE PRECISION,
	full_water  DOUBLE PRECISION,
	idle        DOUBLE PRECISION,
	defrosting  DOUBLE PRECISION,
	collector   DOUBLE PRECISION,
	seq         BIGSERIAL,
	PRIMARY KEY (machine_id, captured_at)
);

ALTER TABLE snapshots ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
CREATE INDEX IF NOT EXISTS snapshots_seq_idx ON snapshots (seq);

CREATE TABLE IF NOT EXISTS production_events (
	machine_id        TEXT NOT NULL,
	source            TEXT NOT NULL,
	occurred_at       TIMESTAMPTZ NOT NULL,
	production_liters DOUBLE PRECISION NOT NULL CHECK (production_liters > 0),
	previous_level    DOUBLE PRECISION NOT NULL,
	current_level     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (machine_id, source, occurred_at)
);

CREATE TABLE IF NOT EXISTS aggregate_buckets (
	machine_id           TEXT NOT NULL,
	granularity          TEXT NOT NULL,
	period_key           TEXT NOT NULL,
	period_start         TIMESTAMPTZ NOT NULL,
	total_production     DOUBLE PRECISION NOT NULL,
	event_count          INTEGER NOT NULL,
	producing_samples    INTEGER NOT NULL,
	idle_samples         INTEGER NOT NULL,
	full_water_samples   INTEGER NOT NULL,
	disconnected_samples INTEGER NOT NULL,
	pct_producing        INTEGER NOT NULL,
	pct_idle             INTEGER NOT NULL,
	pct_full_water       INTEGER NOT NULL,
	pct_disconnected     INTEGER NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (machine_id, granularity, period_key)
);

CREATE TABLE IF NOT EXISTS aggregation_watermarks (
	machine_id TEXT PRIMARY KEY,
	last_day   TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION notify_snapshot_inserted() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `',
		json_build_object('machine_id', NEW.machine_id, 'captured_at', NEW.captured_at, 'seq', NEW.seq)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS snapshots_notify ON snapshots;
CREATE TRIGGER snapshots_notify AFTER INSERT ON snapshots
	FOR EACH ROW EXECUTE FUNCTION notify_snapshot_inserted();
`

// Migrate creates the tables and the snapshot notify trigger when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
