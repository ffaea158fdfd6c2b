package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SessionKind string

const (
	SessionFill  SessionKind = "FILL"
	SessionDrain SessionKind = "DRAIN"
)

// Session is one candidate or confirmed tank fill/drain event. At most one
// session per vehicle is open (EndTime == nil) at any time; EndTime, once
// set, never changes.
type Session struct {
	ID        uuid.UUID
	VehicleID string
	Kind      SessionKind

	StartTime  time.Time
	StartLevel decimal.Decimal

	// Anchor coordinate for geofencing; nil when the session opened
	// without a GPS fix.
	StartLat *float64
	StartLon *float64

	LastTouchTime time.Time
	LastLevel     decimal.Decimal
	EndTime       *time.Time

	// DistinctPointCount increments only when a touch carries a level
	// different from the previous recorded level, so repeated identical
	// readings do not inflate confidence.
	DistinctPointCount int
}

func (s *Session) Open() bool {
	return s.EndTime == nil
}

// Delta is the signed accumulated level change in percentage points.
func (s *Session) Delta() decimal.Decimal {
	return s.LastLevel.Sub(s.StartLevel)
}

func (s *Session) Duration() time.Duration {
	return s.LastTouchTime.Sub(s.StartTime)
}
