package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord is one telemetry sample pulled from the tracking provider.
// PositionID is the provider-assigned global id and the sole dedup key.
// Records are immutable once stored.
type PositionRecord struct {
	PositionID int64
	VehicleID  string
	EventID    *int64
	EventTime  time.Time
	UpdateTime *time.Time

	Ignition *bool
	ValidGPS *bool

	// Nil means no GPS fix for this sample.
	Latitude  *float64
	Longitude *float64

	// LevelPercent is the tank level in percentage points (0-100).
	// Invalid or non-positive readings are treated as unknown.
	LevelPercent decimal.NullDecimal
	SpeedKmh     *float64

	// Original provider payload, kept for debugging and replay.
	Raw []byte
}

// Level returns the tank level and whether it is usable. Absent and
// non-positive readings both count as unknown.
func (p *PositionRecord) Level() (decimal.Decimal, bool) {
	if !p.LevelPercent.Valid || !p.LevelPercent.Decimal.IsPositive() {
		return decimal.Decimal{}, false
	}
	return p.LevelPercent.Decimal, true
}

// HasFix reports whether the sample carries usable coordinates.
func (p *PositionRecord) HasFix() bool {
	return p.Latitude != nil && p.Longitude != nil
}
