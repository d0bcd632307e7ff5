package domain

import (
	"fmt"
	"math"
	"time"
)

// RiskLevel classifies a danger zone.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Known reports whether the level is one of the declared constants.
func (l RiskLevel) Known() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Priority maps a zone risk level to the priority of alerts raised for it.
func (l RiskLevel) Priority() Priority {
	switch l {
	case RiskLow:
		return PriorityLow
	case RiskMedium:
		return PriorityMedium
	case RiskHigh:
		return PriorityHigh
	case RiskCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// DangerZone is an admin-declared circular geofence. Immutable during one
// evaluation; the catalog snapshot a component fetched stays coherent even
// if an admin edits the zone mid-flight.
type DangerZone struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CenterLat    float64    `json:"centerLat"`
	CenterLng    float64    `json:"centerLng"`
	RadiusMeters float64    `json:"radiusMeters"`
	Risk         RiskLevel  `json:"riskLevel"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Validate checks the zone geometry.
func (z *DangerZone) Validate() error {
	if math.IsNaN(z.CenterLat) || math.IsNaN(z.CenterLng) {
		return fmt.Errorf("%w: zone center is not a number", ErrInvalidInput)
	}
	if z.CenterLat < -90 || z.CenterLat > 90 || z.CenterLng < -180 || z.CenterLng > 180 {
		return fmt.Errorf("%w: zone center out of range", ErrInvalidInput)
	}
	if z.RadiusMeters <= 0 {
		return fmt.Errorf("%w: radiusMeters must be positive", ErrInvalidInput)
	}
	return nil
}
