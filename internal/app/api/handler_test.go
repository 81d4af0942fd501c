package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/aquaflow/internal/adapters/memstore"
	"github.com/ghalamif/aquaflow/internal/app/aggregate"
	"github.com/ghalamif/aquaflow/internal/app/health"
	"github.com/ghalamif/aquaflow/internal/app/ingest"
	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/domain"
)

type fixture struct {
	store   *memstore.Store
	handler *Handler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New(domain.Machine{ID: "awg-1", DeviceKey: "dev-1", CapacityLiters: 40, Active: true})
	stores := store.Stores()
	deps := Deps{
		Aggregator: aggregate.NewRunner(aggregate.Config{}, stores, nil),
		Status:     status.NewService(status.Config{LiveThreshold: 30 * time.Second, LegacyThreshold: 5 * time.Minute}, stores.Machines, stores.Snapshots, nil, nil, nil),
		Health:     health.NewMonitor(health.Config{}, stores, nil, nil, nil),
		Recorder:   ingest.NewRecorder(stores.Snapshots, stores.Machines, nil, nil),
		Resetter:   stores.Resetter,
	}
	return fixture{store: store, handler: NewHandler(deps, nil, prometheus.NewRegistry())}
}

func (f fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestSnapshotIngestionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body := `{"water_level": 4.2, "captured_at": "2024-03-05T10:00:00Z"}`

	if rec := f.do(t, http.MethodPost, "/v1/machines/awg-1/snapshots", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	rec := f.do(t, http.MethodPost, "/v1/machines/awg-1/snapshots", body)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"inserted":false`) {
		t.Fatalf("expected duplicate no-op, got %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/v1/machines/awg-1/snapshots", `{"water_level": -1, "captured_at": "2024-03-05T10:30:00Z"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative level, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/machines/ghost/snapshots", body); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown machine, got %d", rec.Code)
	}
}

func TestAggregateAndSeries(t *testing.T) {
	f := newFixture(t)
	f.store.Stores().Events.Insert(context.Background(), domain.ProductionEvent{
		MachineID: "awg-1", Source: domain.SourceLevelDelta, ProductionLiters: 2.5, OccurredAt: time.Now().UTC(),
	})

	rec := f.do(t, http.MethodPost, "/v1/aggregations?mode=backfill&machine_id=awg-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate: %d %s", rec.Code, rec.Body)
	}
	var res aggregate.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Mode != aggregate.ModeBackfill || res.MachineID != "awg-1" || res.ProcessedBuckets == 0 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = f.do(t, http.MethodGet, "/v1/machines/awg-1/buckets/daily?limit=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("buckets: %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Buckets []domain.Bucket `json:"buckets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Buckets) != 7 || body.Buckets[6].TotalProduction != 2.5 {
		t.Fatalf("unexpected buckets: %+v", body.Buckets)
	}

	if rec := f.do(t, http.MethodPost, "/v1/aggregations?mode=sometimes", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid mode, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/machines/awg-1/buckets/hourly", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid granularity, got %d", rec.Code)
	}
}

func TestResetClearsMachine(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/machines/awg-1/snapshots", `{"water_level": 4.2, "captured_at": "2024-03-05T10:00:00Z"}`)

	if rec := f.do(t, http.MethodDelete, "/v1/machines/awg-1/data", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if snap, _ := f.store.Stores().Snapshots.Latest(context.Background(), "awg-1"); snap != nil {
		t.Fatalf("snapshot survived reset")
	}
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/machines/awg-1/status?view=legacy", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(domain.StatusOffline)) {
		t.Fatalf("expected Offline without data, got %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/v1/machines/awg-1/status?view=weekly", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown view, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/v1/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sweep, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/health?refresh=true", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(domain.IssueNoData)) {
		t.Fatalf("expected no-data issue, got %d %s", rec.Code, rec.Body)
	}
}

func TestUnconfiguredServiceIsUnavailable(t *testing.T) {
	h := NewHandler(Deps{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/machines/awg-1/rate", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
