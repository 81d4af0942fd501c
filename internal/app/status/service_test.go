package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/aquaflow/internal/adapters/memstore"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type stubTelemetry struct {
	point *ports.Point
	err   error
	calls int
}

func (s *stubTelemetry) QueryLatest(context.Context, string, []string, time.Duration) (*ports.Point, error) {
	s.calls++
	return s.point, s.err
}

func (s *stubTelemetry) Name() string { return "stub" }

type mapCache struct {
	m map[string]domain.MachineStatus
}

func (c *mapCache) GetStatus(_ context.Context, key string) (domain.MachineStatus, error) {
	st, ok := c.m[key]
	if !ok {
		return "", ports.ErrCacheMiss
	}
	return st, nil
}

func (c *mapCache) SetStatus(_ context.Context, key string, st domain.MachineStatus, _ time.Duration) error {
	c.m[key] = st
	return nil
}

func newTestService(tel ports.TelemetrySource, cache ports.StatusCache) (*Service, *memstore.Store) {
	store := memstore.New(domain.Machine{ID: "awg-1", DeviceKey: "dev-1", CapacityLiters: 40, Active: true})
	stores := store.Stores()
	svc := NewService(Config{
		LiveThreshold:   30 * time.Second,
		LegacyThreshold: 5 * time.Minute,
		CacheTTL:        time.Minute,
	}, stores.Machines, stores.Snapshots, tel, cache, nil)
	svc.now = func() time.Time { return now }
	return svc, store
}

func TestServiceUsesTelemetry(t *testing.T) {
	tel := &stubTelemetry{point: &ports.Point{
		Time:   now.Add(-10 * time.Second),
		Fields: map[string]any{ports.FieldLevel: 12.0, ports.FieldProducing: "1"},
	}}
	svc, _ := newTestService(tel, nil)

	res, err := svc.Current(context.Background(), "awg-1", ViewLive)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if res.Status != domain.StatusProducing || res.Source != "stub" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServiceFallsBackToSnapshot(t *testing.T) {
	tel := &stubTelemetry{err: errors.New("influx down")}
	svc, store := newTestService(tel, nil)
	store.Stores().Snapshots.Insert(context.Background(), domain.Snapshot{
		MachineID: "awg-1", WaterLevel: 10, CapturedAt: now.Add(-2 * time.Minute),
	})

	live, err := svc.Current(context.Background(), "awg-1", ViewLive)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if live.Status != domain.StatusDisconnected || live.Source != "snapshot" {
		t.Fatalf("expected stale live view to be Disconnected from snapshot, got %+v", live)
	}

	legacy, err := svc.Current(context.Background(), "awg-1", ViewLegacy)
	if err != nil {
		t.Fatalf("legacy: %v", err)
	}
	if legacy.Status != domain.StatusIdle {
		t.Fatalf("expected legacy view within 5m to be Idle, got %s", legacy.Status)
	}
}

func TestServiceCachesResult(t *testing.T) {
	tel := &stubTelemetry{point: &ports.Point{Time: now, Fields: map[string]any{ports.FieldIdle: 1}}}
	cache := &mapCache{m: map[string]domain.MachineStatus{}}
	svc, _ := newTestService(tel, cache)

	if _, err := svc.Current(context.Background(), "awg-1", ViewLive); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := svc.Current(context.Background(), "awg-1", ViewLive)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !res.Cached || res.Status != domain.StatusIdle || tel.calls != 1 {
		t.Fatalf("expected cached Idle with one telemetry call, got %+v calls=%d", res, tel.calls)
	}
}

func TestServiceUnknownMachine(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	if _, err := svc.Current(context.Background(), "nope", ViewLive); !errors.Is(err, domain.ErrUnknownMachine) {
		t.Fatalf("expected ErrUnknownMachine, got %v", err)
	}
}
