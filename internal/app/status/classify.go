// Package status classifies the operating state of a machine from its most
// recent reading.
package status

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// DefaultFullWaterPercent is the fill level above which a machine with no
// asserted flag reports Full Water.
const DefaultFullWaterPercent = 95.0

// Reading is the input to Classify: a level, its capture time and the raw flags.
type Reading struct {
	Level      float64
	CapturedAt time.Time
	Flags      domain.Flags
}

// Rules holds the call-site specific parameters of a classification.
type Rules struct {
	// Threshold is the maximum data age before the machine counts as stale.
	Threshold time.Duration
	// Stale is reported when the reading is older than Threshold.
	Stale            domain.MachineStatus
	CapacityLiters   float64
	FullWaterPercent float64
}

// Classify applies the first matching rule: stale data, then defrosting,
// full water, producing and idle flags, then the fill-level fallback.
func Classify(r Reading, now time.Time, rules Rules) domain.MachineStatus {
	if now.Sub(r.CapturedAt) > rules.Threshold {
		if rules.Stale == "" {
			return domain.StatusDisconnected
		}
		return rules.Stale
	}
	switch {
	case ParseFlag(r.Flags.Defrosting):
		return domain.StatusDefrosting
	case ParseFlag(r.Flags.FullWater):
		return domain.StatusFullWater
	case ParseFlag(r.Flags.Producing):
		return domain.StatusProducing
	case ParseFlag(r.Flags.Idle):
		return domain.StatusIdle
	}

	pct := rules.FullWaterPercent
	if pct <= 0 {
		pct = DefaultFullWaterPercent
	}
	if rules.CapacityLiters > 0 && r.Level/rules.CapacityLiters*100 >= pct {
		return domain.StatusFullWater
	}
	return domain.StatusIdle
}

// ParseFlag reports whether v counts as a set flag. Any nonzero number is
// set; strings are parsed as numbers or booleans; anything else is unset.
func ParseFlag(v any) bool {
	return FlagValue(v) != 0
}

// FlagValue converts a raw telemetry value to its numeric form. Unparseable
// values yield 0.
func FlagValue(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return finite(f)
		}
		if b, err := strconv.ParseBool(s); err == nil && b {
			return 1
		}
		return 0
	}
	return 0
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// SampleCategory buckets a historical sample into one of the four status
// percentage categories. gap is the time since the previous sample; a gap
// above threshold marks the sample disconnected. Defrosting counts as idle.
func SampleCategory(s domain.Snapshot, gap, threshold time.Duration, capacity, fullWaterPct float64) domain.MachineStatus {
	r := Reading{Level: s.WaterLevel, CapturedAt: s.CapturedAt}
	if s.Flags != nil {
		r.Flags = *s.Flags
	}
	st := Classify(r, s.CapturedAt.Add(gap), Rules{
		Threshold:        threshold,
		Stale:            domain.StatusDisconnected,
		CapacityLiters:   capacity,
		FullWaterPercent: fullWaterPct,
	})
	if st == domain.StatusDefrosting {
		return domain.StatusIdle
	}
	return st
}
