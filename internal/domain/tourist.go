// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"math"
	"time"
)

// Score bounds for a tourist's safety score.
const (
	MinSafetyScore = 0
	MaxSafetyScore = 100
)

// Tourist is a monitored mobile client. The position and score fields are
// owned by the store; the core reads them and requests mutations through
// the TouristStore interface.
type Tourist struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	CurrentLat  *float64   `json:"currentLat,omitempty"`
	CurrentLng  *float64   `json:"currentLng,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	SafetyScore int        `json:"safetyScore"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HasPosition reports whether the tourist has a usable last known fix.
func (t *Tourist) HasPosition() bool {
	return t.CurrentLat != nil && t.CurrentLng != nil &&
		!math.IsNaN(*t.CurrentLat) && !math.IsNaN(*t.CurrentLng)
}

// LocationUpdate is one inbound GPS fix for a tourist.
type LocationUpdate struct {
	TouristID  string    `json:"touristId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Valid reports whether the fix carries usable coordinates.
// Malformed fixes are routine and are treated as "no position known",
// never as a hard failure.
func (u *LocationUpdate) Valid() bool {
	if math.IsNaN(u.Lat) || math.IsNaN(u.Lng) {
		return false
	}
	return u.Lat >= -90 && u.Lat <= 90 && u.Lng >= -180 && u.Lng <= 180
}

// Responder is an emergency responder (police unit, hospital, ranger post)
// that can be attached to an alert by proximity.
type Responder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // "police", "hospital", "ranger"
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"createdAt"`
}
