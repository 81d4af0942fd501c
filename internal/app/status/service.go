package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// View selects which staleness threshold applies.
type View string

const (
	ViewLive   View = "live"
	ViewLegacy View = "legacy"
)

func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewLive:
		return ViewLive, nil
	case ViewLegacy:
		return ViewLegacy, nil
	}
	return "", fmt.Errorf("unknown status view %q", s)
}

type Config struct {
	LiveThreshold    time.Duration
	LegacyThreshold  time.Duration
	FullWaterPercent float64
	TelemetryWindow  time.Duration
	CacheTTL         time.Duration
}

// Result is a computed status together with the reading it came from.
type Result struct {
	MachineID  string               `json:"machine_id"`
	View       View                 `json:"view"`
	Status     domain.MachineStatus `json:"status"`
	Source     string               `json:"source"`
	CapturedAt *time.Time           `json:"captured_at,omitempty"`
	Cached     bool                 `json:"cached"`
}

// Service computes statuses on read. It prefers live telemetry and falls
// back to the latest stored snapshot. Nothing here is persisted.
type Service struct {
	cfg       Config
	machines  ports.MachineRegistry
	snapshots ports.SnapshotStore
	telemetry ports.TelemetrySource
	cache     ports.StatusCache
	obs       ports.Observability
	now       func() time.Time
}

// NewService accepts nil telemetry and cache; both are optional.
func NewService(cfg Config, machines ports.MachineRegistry, snapshots ports.SnapshotStore, telemetry ports.TelemetrySource, cache ports.StatusCache, obs ports.Observability) *Service {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	if cfg.TelemetryWindow <= 0 {
		cfg.TelemetryWindow = time.Hour
	}
	return &Service{
		cfg:       cfg,
		machines:  machines,
		snapshots: snapshots,
		telemetry: telemetry,
		cache:     cache,
		obs:       obs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Current(ctx context.Context, machineID string, view View) (Result, error) {
	m, err := s.machines.Machine(ctx, machineID)
	if err != nil {
		return Result{}, err
	}

	key := machineID + "/" + string(view)
	if s.cache != nil {
		st, err := s.cache.GetStatus(ctx, key)
		if err == nil {
			return Result{MachineID: machineID, View: view, Status: st, Source: "cache", Cached: true}, nil
		}
		if !errors.Is(err, ports.ErrCacheMiss) {
			s.obs.LogError("status_cache_read_failed", err, ports.Field{Key: "machine_id", Value: machineID})
		}
	}

	res, err := s.compute(ctx, m, view)
	if err != nil {
		return Result{}, err
	}

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetStatus(ctx, key, res.Status, s.cfg.CacheTTL); err != nil {
			s.obs.LogError("status_cache_write_failed", err, ports.Field{Key: "machine_id", Value: machineID})
		}
	}
	return res, nil
}

func (s *Service) compute(ctx context.Context, m domain.Machine, view View) (Result, error) {
	rules := Rules{
		Threshold:        s.cfg.LiveThreshold,
		Stale:            domain.StatusDisconnected,
		CapacityLiters:   m.CapacityLiters,
		FullWaterPercent: s.cfg.FullWaterPercent,
	}
	if view == ViewLegacy {
		rules.Threshold = s.cfg.LegacyThreshold
		rules.Stale = domain.StatusOffline
	}
	now := s.now()
	res := Result{MachineID: m.ID, View: view}

	if s.telemetry != nil && m.DeviceKey != "" {
		p, err := s.telemetry.QueryLatest(ctx, m.DeviceKey, ports.CaptureFields, s.cfg.TelemetryWindow)
		switch {
		case err != nil:
			s.obs.LogError("status_telemetry_failed", err, ports.Field{Key: "machine_id", Value: m.ID})
		case p != nil:
			r := ReadingFromPoint(p)
			res.Status = Classify(r, now, rules)
			res.Source = s.telemetry.Name()
			res.CapturedAt = &r.CapturedAt
			return res, nil
		}
	}

	snap, err := s.snapshots.Latest(ctx, m.ID)
	if err != nil {
		return Result{}, fmt.Errorf("latest snapshot %s: %w", m.ID, err)
	}
	res.Source = "snapshot"
	if snap == nil {
		res.Status = rules.Stale
		return res, nil
	}
	r := Reading{Level: snap.WaterLevel, CapturedAt: snap.CapturedAt}
	if snap.Flags != nil {
		r.Flags = *snap.Flags
	}
	res.Status = Classify(r, now, rules)
	res.CapturedAt = &snap.CapturedAt
	return res, nil
}

// ReadingFromPoint maps a telemetry point onto a Reading.
func ReadingFromPoint(p *ports.Point) Reading {
	return Reading{
		Level:      FlagValue(p.Fields[ports.FieldLevel]),
		CapturedAt: p.Time.UTC(),
		Flags:      FlagsFromPoint(p),
	}
}

func FlagsFromPoint(p *ports.Point) domain.Flags {
	return domain.Flags{
		Producing:  FlagValue(p.Fields[ports.FieldProducing]),
		FullWater:  FlagValue(p.Fields[ports.FieldFullWater]),
		Idle:       FlagValue(p.Fields[ports.FieldIdle]),
		Defrosting: FlagValue(p.Fields[ports.FieldDefrosting]),
	}
}
