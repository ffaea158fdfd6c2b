package domain

import "time"

// Vehicle is one tracked unit enrolled for ingestion. InstalledAt is the
// onboarding date used as the fetch window start when no positions are
// stored yet.
type Vehicle struct {
	ID          string
	InstalledAt *time.Time
}
