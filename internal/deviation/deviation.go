// Package deviation estimates how far a tourist has strayed from a
// planned route.
//
// The estimator is deliberately pluggable: the evaluator only consumes the
// deviation-in-km signal and compares it against a threshold. Deployments
// with real itinerary data plug in their own implementation.
package deviation

import "context"

// Estimator returns the tourist's current deviation from their planned
// route in kilometers.
type Estimator interface {
	EstimateKm(ctx context.Context, touristID string, lat, lng float64) (float64, error)
}

// None is the default estimator: no itinerary data, so deviation is always
// zero and never raises an alert.
type None struct{}

// EstimateKm always reports zero deviation.
func (None) EstimateKm(ctx context.Context, touristID string, lat, lng float64) (float64, error) {
	return 0, nil
}

// Fixed reports a constant deviation. Useful in tests and demos.
type Fixed struct {
	Km float64
}

// EstimateKm reports the configured constant.
func (f Fixed) EstimateKm(ctx context.Context, touristID string, lat, lng float64) (float64, error) {
	return f.Km, nil
}
