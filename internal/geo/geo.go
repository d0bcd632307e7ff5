// Package geo provides great-circle distance math for geofence checks.
package geo

import "math"

// earthRadiusMeters is the mean Earth radius (IUGG).
const earthRadiusMeters = 6371008.8

// HaversineMeters returns the great-circle distance between two points in
// meters. Deterministic, no side effects.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlng := (lng2 - lng1) * math.Pi / 180

	sinLat := math.Sin(dlat / 2)
	sinLng := math.Sin(dlng / 2)

	a := sinLat*sinLat + math.Cos(rlat1)*math.Cos(rlat2)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// WithinRadius reports whether the point lies within radiusMeters of the
// center. Returns false, never panics, when any coordinate is NaN: an
// absent location is "not inside any zone".
func WithinRadius(pointLat, pointLng, centerLat, centerLng, radiusMeters float64) bool {
	if math.IsNaN(pointLat) || math.IsNaN(pointLng) ||
		math.IsNaN(centerLat) || math.IsNaN(centerLng) || math.IsNaN(radiusMeters) {
		return false
	}
	return HaversineMeters(pointLat, pointLng, centerLat, centerLng) <= radiusMeters
}
